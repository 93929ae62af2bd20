package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/mediacore/internal/runnable"
)

// countingRunnable is a minimal runnable.Runnable for exercising the
// pool without pulling in the filter package.
type countingRunnable struct {
	mu      sync.Mutex
	id      runnable.ID
	idSet   bool
	running bool
	ticks   int
	delay   time.Duration
	group   *runnable.Group
}

func newCountingRunnable(delay time.Duration) *countingRunnable {
	return &countingRunnable{delay: delay, group: runnable.NewGroup()}
}

// RunProcessFrame claims its own group round itself, the same way
// every real filter variant does (head.go, onetoone.go, ...), so this
// double stays honest about the single-flight contract the pool
// relies on instead of masking a pool-side double-claim.
func (c *countingRunnable) RunProcessFrame() runnable.Result {
	if !c.SetRunning() {
		return runnable.Result{Delay: time.Millisecond}
	}
	defer c.UnsetRunning()
	c.mu.Lock()
	c.ticks++
	c.mu.Unlock()
	return runnable.Result{Delay: c.delay}
}
func (c *countingRunnable) Ready() bool         { return true }
func (c *countingRunnable) SleepUntilReady()    {}
func (c *countingRunnable) IsPeriodic() bool    { return true }
func (c *countingRunnable) GetID() runnable.ID  { return c.id }
func (c *countingRunnable) SetID(id runnable.ID) error {
	c.id = id
	c.idSet = true
	c.group = runnable.NewGroup(id)
	return nil
}
func (c *countingRunnable) IsRunning() bool        { return c.group.Running() }
func (c *countingRunnable) SetRunning() bool       { return c.group.Begin() }
func (c *countingRunnable) UnsetRunning()          { c.group.Finish() }
func (c *countingRunnable) GroupIDs() []runnable.ID { return c.group.IDs() }

func (c *countingRunnable) Ticks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func TestPoolDispatchesPeriodicRunnable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(2, time.Second, nil, nil)
	p.Start(ctx)

	r := newCountingRunnable(2 * time.Millisecond)
	require.NoError(t, r.SetID(1))
	require.NoError(t, p.AddTask(r, time.Now()))

	require.Eventually(t, func() bool {
		return r.Ticks() >= 5
	}, time.Second, time.Millisecond, "runnable should tick repeatedly")
}

func TestPoolAddRemoveUnderLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(4, time.Second, nil, nil)
	p.Start(ctx)

	var runnables []*countingRunnable
	for i := 0; i < 20; i++ {
		r := newCountingRunnable(time.Millisecond)
		require.NoError(t, r.SetID(runnable.ID(i)))
		runnables = append(runnables, r)
		require.NoError(t, p.AddTask(r, time.Now()))
	}

	require.Eventually(t, func() bool {
		return p.Len() >= 0
	}, 100*time.Millisecond, time.Millisecond)

	for i, r := range runnables {
		if i%2 == 0 {
			require.NoError(t, p.RemoveTask(r.GetID()))
		}
	}

	require.Eventually(t, func() bool {
		for i, r := range runnables {
			if i%2 != 0 && r.Ticks() == 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond, "surviving runnables should keep ticking")
}

func TestPoolRemoveUnknownRunnable(t *testing.T) {
	p := NewPool(1, time.Second, nil, nil)
	require.ErrorIs(t, p.RemoveTask(99), ErrUnknownRunnable)
}

func TestPoolAddDuplicateID(t *testing.T) {
	p := NewPool(1, time.Second, nil, nil)
	r := newCountingRunnable(time.Millisecond)
	require.NoError(t, r.SetID(1))
	require.NoError(t, p.AddTask(r, time.Now()))
	require.ErrorIs(t, p.AddTask(r, time.Now()), ErrAlreadyRegistered)
}
