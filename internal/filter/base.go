package filter

import (
	"sync"
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// RetryDelay is how long a filter defers re-entry after a recoverable,
// non-fatal condition such as NotConnected (spec.md §7).
const RetryDelay = 20 * time.Millisecond

// Base holds everything common to every filter variant: identity,
// reader/writer endpoint maps, lifecycle state, periodic pacing and
// the running-count group. Variant types (OneToOne, Head, ...) embed
// *Base and add their own RunProcessFrame, so they satisfy
// runnable.Runnable while sharing this bookkeeping, the way the spec
// treats "MultiReaderSingleWriter etc." as tagged variants of one
// Filter shape rather than separate base types (spec.md §9).
type Base struct {
	mu sync.Mutex

	name  string
	id    runnable.ID
	idSet bool

	readers      map[frame.EndpointID]*frame.Reader
	writers      map[frame.EndpointID]*frame.Writer
	readerOrder  []frame.EndpointID
	writerOrder  []frame.EndpointID
	nextReaderID frame.EndpointID
	nextWriterID frame.EndpointID
	downstream   map[frame.EndpointID]runnable.ID

	role   Role
	master *Base

	periodic     bool
	period       time.Duration
	nextEligible time.Time

	state State

	group *runnable.Group

	logger  servicelog.Logger
	metrics *metrics.Recorder

	stopped bool
}

// NewBase constructs an unregistered filter with the given metrics
// label. periodic/period configure Head-style self-pacing; other
// variants pass false/0.
func NewBase(name string, periodic bool, period time.Duration, logger servicelog.Logger, rec *metrics.Recorder) *Base {
	if logger == nil {
		logger = servicelog.NewNop()
	}
	b := &Base{
		name:     name,
		readers:  make(map[frame.EndpointID]*frame.Reader),
		writers:  make(map[frame.EndpointID]*frame.Writer),
		role:     RoleNone,
		periodic: periodic,
		period:   period,
		state:    StateUnregistered,
		logger:   logger,
		metrics:  rec,
	}
	b.group = runnable.NewGroup() // filled in once the ID is assigned
	return b
}

// Name returns the filter's metrics/log label.
func (b *Base) Name() string { return b.name }

// GetID implements runnable.Runnable.
func (b *Base) GetID() runnable.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// SetID implements runnable.Runnable: allowed exactly once, while
// Unregistered, and only for id >= 0.
func (b *Base) SetID(id runnable.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id < 0 {
		return ErrInvalidID
	}
	if b.idSet {
		return ErrIDAlreadySet
	}
	b.id = id
	b.idSet = true
	b.state = StateRegistered
	if b.group.Size() == 0 {
		b.group = runnable.NewGroup(id)
	}
	return nil
}

// IsPeriodic implements runnable.Runnable.
func (b *Base) IsPeriodic() bool { return b.periodic }

// Period returns the nominal inter-tick interval of a periodic filter.
func (b *Base) Period() time.Duration { return b.period }

// Ready implements runnable.Runnable.
func (b *Base) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !time.Now().Before(b.nextEligible)
}

// SleepUntilReady implements runnable.Runnable; used only by
// standalone tests, never by the scheduler's own wait loop.
func (b *Base) SleepUntilReady() {
	for {
		b.mu.Lock()
		d := time.Until(b.nextEligible)
		b.mu.Unlock()
		if d <= 0 {
			return
		}
		time.Sleep(d)
	}
}

// setNextEligible stamps the filter's deadline. Called by finishTick
// at the end of every tick with now+delay; spec.md §8 requires
// next_eligible >= now for every tick, which holds because finishTick
// clamps a negative delay to zero.
func (b *Base) setNextEligible(t time.Time) {
	b.mu.Lock()
	b.nextEligible = t
	b.mu.Unlock()
}

// IsRunning implements runnable.Runnable, delegating to the group.
func (b *Base) IsRunning() bool { return b.group.Running() }

// SetRunning implements runnable.Runnable. The shared-counter
// semantics is the one spec.md resolves its two conflicting
// definitions in favor of (see DESIGN.md open question #2).
func (b *Base) SetRunning() bool {
	started := b.group.Begin()
	b.mu.Lock()
	b.state = StateProcessing
	b.mu.Unlock()
	return started
}

// UnsetRunning implements runnable.Runnable.
func (b *Base) UnsetRunning() {
	b.group.Finish()
	b.mu.Lock()
	if b.state == StateProcessing {
		b.state = StateRunnable
	}
	b.mu.Unlock()
}

// GroupIDs implements runnable.Runnable.
func (b *Base) GroupIDs() []runnable.ID { return b.group.IDs() }

// Group returns the filter's shared running-count group.
func (b *Base) Group() *runnable.Group { return b.group }

// State returns the filter's current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stop transitions the filter to Stopped; subsequent ticks become
// no-ops (spec.md §4.4 state machine, §7 Shutdown policy).
func (b *Base) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.state = StateStopped
	b.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (b *Base) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// markConnected transitions Registered -> Connected once at least one
// edge exists; a no-op otherwise. AddReader/AddWriter, which already
// hold b.mu, use unlockedMarkConnected instead.
func (b *Base) markConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRegistered && (len(b.readers) > 0 || len(b.writers) > 0) {
		b.state = StateConnected
	}
	if b.state == StateConnected {
		// Becomes schedulable once connected; PipelineManager.ConnectPath
		// is what actually wires queues, this just reflects that the
		// filter now has at least one declared endpoint.
	}
}

// MarkRunnable transitions Connected -> Runnable once the pipeline has
// finished wiring this filter's edges and handed it to the scheduler.
func (b *Base) MarkRunnable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateConnected || b.state == StateRegistered {
		b.state = StateRunnable
	}
}

// --- reader/writer endpoint management (IOProcessorInterface-style) ---

// AddReader registers a reader endpoint. id == -1 auto-assigns the
// first free ID (spec.md §6's create_path "-1 = pick any free").
func (b *Base) AddReader(id frame.EndpointID) (*frame.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == -1 {
		id = b.firstFreeReaderIDLocked()
	}
	if id < 0 {
		return nil, ErrInvalidID
	}
	r := frame.NewReader(id)
	b.readers[id] = r
	b.readerOrder = append(b.readerOrder, id)
	if id >= b.nextReaderID {
		b.nextReaderID = id + 1
	}
	b.unlockedMarkConnected()
	return r, nil
}

// AddWriter registers a writer endpoint, same -1 convention as AddReader.
func (b *Base) AddWriter(id frame.EndpointID) (*frame.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == -1 {
		id = b.firstFreeWriterIDLocked()
	}
	if id < 0 {
		return nil, ErrInvalidID
	}
	w := frame.NewWriter(id)
	b.writers[id] = w
	b.writerOrder = append(b.writerOrder, id)
	if id >= b.nextWriterID {
		b.nextWriterID = id + 1
	}
	b.unlockedMarkConnected()
	return w, nil
}

// SetDownstream records which filter ID owns the reader on the far
// end of writer writerID, so a tick can report it in EnabledIDs. Set
// by PipelineManager.ConnectPath once the edge is wired.
func (b *Base) SetDownstream(writerID frame.EndpointID, filterID runnable.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.downstream == nil {
		b.downstream = make(map[frame.EndpointID]runnable.ID)
	}
	b.downstream[writerID] = filterID
}

// Downstream returns the filter ID wired to writerID, if any.
func (b *Base) Downstream(writerID frame.EndpointID) (runnable.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.downstream[writerID]
	return id, ok
}

// ReaderOrder returns reader IDs in the order they were added, for
// variants that must iterate readers deterministically.
func (b *Base) ReaderOrder() []frame.EndpointID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]frame.EndpointID, len(b.readerOrder))
	copy(out, b.readerOrder)
	return out
}

// WriterOrder returns writer IDs in the order they were added.
func (b *Base) WriterOrder() []frame.EndpointID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]frame.EndpointID, len(b.writerOrder))
	copy(out, b.writerOrder)
	return out
}

// FirstReader returns the earliest-added reader endpoint, for variants
// that have exactly one and want it without hardcoding its ID (the ID
// actually assigned depends on whatever PipelineManager.CreatePath
// picked).
func (b *Base) FirstReader() (*frame.Reader, error) {
	order := b.ReaderOrder()
	if len(order) == 0 {
		return nil, ErrUnknownReaderID
	}
	return b.Reader(order[0])
}

// FirstWriter mirrors FirstReader for the single-writer case.
func (b *Base) FirstWriter() (*frame.Writer, error) {
	order := b.WriterOrder()
	if len(order) == 0 {
		return nil, ErrUnknownWriterID
	}
	return b.Writer(order[0])
}

func (b *Base) unlockedMarkConnected() {
	if b.state == StateRegistered && (len(b.readers) > 0 || len(b.writers) > 0) {
		b.state = StateConnected
	}
}

func (b *Base) firstFreeReaderIDLocked() frame.EndpointID {
	for id := frame.EndpointID(0); ; id++ {
		if _, ok := b.readers[id]; !ok {
			return id
		}
	}
}

func (b *Base) firstFreeWriterIDLocked() frame.EndpointID {
	for id := frame.EndpointID(0); ; id++ {
		if _, ok := b.writers[id]; !ok {
			return id
		}
	}
}

// GetAvailableReaderID returns the first unused reader ID. It never
// returns -1: IDs are not bounded above, so a free one always exists.
func (b *Base) GetAvailableReaderID() frame.EndpointID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstFreeReaderIDLocked()
}

// GetAvailableWriterID mirrors GetAvailableReaderID for writers.
func (b *Base) GetAvailableWriterID() frame.EndpointID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstFreeWriterIDLocked()
}

// Reader looks up a reader endpoint by ID.
func (b *Base) Reader(id frame.EndpointID) (*frame.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.readers[id]
	if !ok {
		return nil, ErrUnknownReaderID
	}
	return r, nil
}

// Writer looks up a writer endpoint by ID.
func (b *Base) Writer(id frame.EndpointID) (*frame.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.writers[id]
	if !ok {
		return nil, ErrUnknownWriterID
	}
	return w, nil
}

// Readers returns a snapshot copy of the reader map.
func (b *Base) Readers() map[frame.EndpointID]*frame.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[frame.EndpointID]*frame.Reader, len(b.readers))
	for k, v := range b.readers {
		out[k] = v
	}
	return out
}

// Writers returns a snapshot copy of the writer map.
func (b *Base) Writers() map[frame.EndpointID]*frame.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[frame.EndpointID]*frame.Writer, len(b.writers))
	for k, v := range b.writers {
		out[k] = v
	}
	return out
}

// finishTick is the common post-process bookkeeping every variant
// calls at the end of RunProcessFrame: stamps the deadline and emits
// the tick-duration metric.
func (b *Base) finishTick(start time.Time, delay time.Duration) time.Duration {
	if delay < 0 {
		delay = 0
	}
	b.setNextEligible(time.Now().Add(delay))
	if b.metrics != nil {
		b.metrics.ObserveTick(b.name, time.Since(start))
	}
	return delay
}
