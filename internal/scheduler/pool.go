// Package scheduler implements the fixed-size worker pool that drives
// every registered Runnable's RunProcessFrame in deadline order, the
// dataflow runtime's WorkersPool (spec.md §4.5).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// ErrAlreadyRegistered is returned by AddTask for a runnable ID already tracked.
var ErrAlreadyRegistered = errors.New("scheduler: runnable already registered")

// ErrUnknownRunnable is returned by RemoveTask for an ID never added, or
// already removed.
var ErrUnknownRunnable = errors.New("scheduler: unknown runnable id")

// ErrQuiesceTimeout is returned by RemoveTask when a runnable fails to
// go idle within the configured bound.
var ErrQuiesceTimeout = errors.New("scheduler: timed out waiting for runnable to quiesce")

// Pool is a fixed pool of worker goroutines draining a single
// deadline-ordered job tree shared under one mutex/condition-variable
// pair, the same shape as the teacher's jpeg.Farm worker loop
// generalized from a fixed image pipeline to an arbitrary Runnable
// graph.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	tree     *btree.BTreeG[*job]
	byID     map[runnable.ID]*job
	registry map[runnable.ID]runnable.Runnable

	workers     int
	wantWorkers int
	running     int
	seq         uint64
	stopped     bool

	logger  servicelog.Logger
	metrics *metrics.Recorder

	quiesceWait time.Duration
}

// NewPool builds a pool with the given number of worker goroutines.
// Call Start to actually spawn them.
func NewPool(workers int, quiesceWait time.Duration, logger servicelog.Logger, rec *metrics.Recorder) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = servicelog.NewNop()
	}
	p := &Pool{
		tree:        btree.NewG(8, less),
		byID:        make(map[runnable.ID]*job),
		registry:    make(map[runnable.ID]runnable.Runnable),
		wantWorkers: workers,
		logger:      logger,
		metrics:     rec,
		quiesceWait: quiesceWait,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spawns the configured number of worker goroutines. Workers
// exit when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	toSpawn := p.wantWorkers - p.workers
	p.workers += toSpawn
	p.mu.Unlock()
	for i := 0; i < toSpawn; i++ {
		go p.workerLoop(ctx)
	}
}

// Reconfigure grows or shrinks the live worker count, the mechanism
// behind the scheduler.workers hot-reload tunable (internal/watchcfg).
// Shrinking lets excess workers drain naturally on their next wakeup;
// growing spawns additional workers immediately.
func (p *Pool) Reconfigure(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	p.mu.Lock()
	p.wantWorkers = workers
	toSpawn := p.wantWorkers - p.workers
	if toSpawn > 0 {
		p.workers += toSpawn
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	for i := 0; i < toSpawn; i++ {
		go p.workerLoop(ctx)
	}
}

// AddTask registers r with the pool, eligible for dispatch starting at
// deadline. r must already have a non-negative ID (spec.md §6:
// PipelineManager assigns IDs before handing filters to the scheduler).
func (p *Pool) AddTask(r runnable.Runnable, deadline time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := r.GetID()
	if _, exists := p.byID[id]; exists {
		return ErrAlreadyRegistered
	}
	j := &job{r: r, deadline: deadline, seq: p.seq}
	p.seq++
	p.byID[id] = j
	p.registry[id] = r
	p.tree.ReplaceOrInsert(j)
	p.updateBacklogLocked()
	p.cond.Broadcast()
	return nil
}

// RemoveTask unregisters id, waiting (bounded by the pool's configured
// quiesce timeout) for any in-flight tick to finish first so a worker
// never ends up running a runnable the caller believes removed.
func (p *Pool) RemoveTask(id runnable.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.registry[id]
	if !ok {
		return ErrUnknownRunnable
	}
	deadlineWait := time.Now().Add(p.quiesceWait)
	for r.IsRunning() {
		if time.Now().After(deadlineWait) {
			return ErrQuiesceTimeout
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
	if j, ok := p.byID[id]; ok {
		p.tree.Delete(j)
		delete(p.byID, id)
	}
	delete(p.registry, id)
	p.updateBacklogLocked()
	return nil
}

// Stop signals every worker goroutine to exit once its current tick
// (if any) completes.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) updateBacklogLocked() {
	if p.metrics != nil {
		p.metrics.SetSchedulerBacklog(p.tree.Len())
	}
}

// requeue re-arms r at deadline, replacing any existing entry for the
// same ID so a runnable enabled twice before it next runs (e.g. by two
// upstream ticks, or by its own periodic pacing racing an EnabledIDs
// push) collapses into a single, earliest-deadline-wins entry rather
// than duplicating work.
func (p *Pool) requeue(id runnable.ID, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.registry[id]
	if !ok {
		return
	}
	if existing, ok := p.byID[id]; ok {
		if deadline.Before(existing.deadline) {
			p.tree.Delete(existing)
			existing.deadline = deadline
			p.tree.ReplaceOrInsert(existing)
		}
		p.cond.Broadcast()
		return
	}
	j := &job{r: r, deadline: deadline, seq: p.seq}
	p.seq++
	p.byID[id] = j
	p.tree.ReplaceOrInsert(j)
	p.updateBacklogLocked()
	p.cond.Broadcast()
}

// workerLoop is one pool worker: pop the earliest-deadline ready job,
// run it, then requeue it (and anything it enabled downstream).
func (p *Pool) workerLoop(ctx context.Context) {
	for {
		j := p.nextReady(ctx)
		if j == nil {
			return
		}
		p.run(j)
	}
}

// nextReady blocks until a job's deadline has passed, the pool shrinks
// this worker away, or ctx/Stop ends the loop, and returns that job
// already popped from the tree (or nil to signal exit).
func (p *Pool) nextReady(ctx context.Context) *job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.stopped || ctx.Err() != nil {
			return nil
		}
		if p.workers > p.wantWorkers {
			p.workers--
			return nil
		}
		min, ok := p.tree.Min()
		if !ok {
			p.cond.Wait()
			continue
		}
		wait := time.Until(min.deadline)
		if wait <= 0 {
			p.tree.Delete(min)
			delete(p.byID, min.r.GetID())
			p.updateBacklogLocked()
			return min
		}
		p.waitOn(wait)
	}
}

// waitOn releases the lock for at most d (or until woken by Broadcast)
// and reacquires it before returning, used to sleep until the next
// deadline without holding the mutex.
func (p *Pool) waitOn(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
}

// run dispatches one tick. Single-flight within a master/slave group
// is the runnable's own responsibility (RunProcessFrame calls
// SetRunning/UnsetRunning itself, guarded by the shared Group): the
// pool must not also call them here, or a scheduler-driven Begin()
// would claim the group's round before the runnable's own Begin() gets
// a chance to, permanently starving it (or, worse, leaving the group's
// refcount stuck positive if the runnable returns early without its
// own matching Finish).
func (p *Pool) run(j *job) {
	result := j.r.RunProcessFrame()

	now := time.Now()
	p.requeue(j.r.GetID(), now.Add(result.Delay))
	for _, downstream := range result.EnabledIDs {
		p.requeue(downstream, now)
	}
}

// Len reports the number of runnables currently waiting in the queue.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Len()
}
