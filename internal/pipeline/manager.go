// Package pipeline implements the dataflow graph registry: the set of
// registered filters, the Paths connecting their endpoints, and the
// invariant that the graph stays a DAG (spec.md §4.6 PipelineManager).
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/flowforge/mediacore/internal/filter"
	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/scheduler"
	"github.com/flowforge/mediacore/internal/servicelog"
)

var (
	// ErrUnknownFilter is returned when a filter ID isn't registered.
	ErrUnknownFilter = errors.New("pipeline: unknown filter id")
	// ErrFilterExists is returned by AddFilter for an already-used ID.
	ErrFilterExists = errors.New("pipeline: filter id already registered")
	// ErrWouldCycle is returned by CreatePath and ConnectPath when the
	// edge would turn the graph into something other than a DAG.
	ErrWouldCycle = errors.New("pipeline: connecting this path would create a cycle")
	// ErrUnknownPath is returned by RemovePath for an unregistered path.
	ErrUnknownPath = errors.New("pipeline: unknown path id")
)

// Filter is the subset of runnable.Runnable plus endpoint management
// that PipelineManager needs; filter.Base (embedded by every variant)
// satisfies it.
type Filter interface {
	runnable.Runnable
	AddReader(id frame.EndpointID) (*frame.Reader, error)
	AddWriter(id frame.EndpointID) (*frame.Writer, error)
	Reader(id frame.EndpointID) (*frame.Reader, error)
	Writer(id frame.EndpointID) (*frame.Writer, error)
	SetDownstream(writerID frame.EndpointID, filterID runnable.ID)
	MarkRunnable()
	Stop()
	Role() filter.Role
}

// PathID identifies a connected edge between two filters.
type PathID int

// Path is one queue-backed edge, from a source filter's writer to a
// destination filter's reader.
type Path struct {
	ID        PathID
	SrcFilter runnable.ID
	SrcWriter frame.EndpointID
	DstFilter runnable.ID
	DstReader frame.EndpointID
	Queue     *frame.Queue
}

// Manager is the pipeline graph registry.
type Manager struct {
	logger  servicelog.Logger
	metrics *metrics.Recorder
	pool    *scheduler.Pool

	filters map[runnable.ID]Filter
	paths   map[PathID]*Path
	nextID  runnable.ID
	nextPID PathID

	// adjacency for cycle detection: src filter id -> set of dst filter ids
	edges map[runnable.ID]map[runnable.ID]struct{}
}

// NewManager builds an empty pipeline registered against pool, whose
// AddTask/RemoveTask this manager calls as filters are wired in and
// out.
func NewManager(pool *scheduler.Pool, logger servicelog.Logger, rec *metrics.Recorder) *Manager {
	if logger == nil {
		logger = servicelog.NewNop()
	}
	return &Manager{
		logger:  logger,
		metrics: rec,
		pool:    pool,
		filters: make(map[runnable.ID]Filter),
		paths:   make(map[PathID]*Path),
		edges:   make(map[runnable.ID]map[runnable.ID]struct{}),
	}
}

// AddFilter registers f, assigning it the next free ID unless the
// caller already assigned one via f.SetID, and returns the assigned ID.
func (m *Manager) AddFilter(f Filter) (runnable.ID, error) {
	assigned := f.GetID()
	if err := f.SetID(m.nextID); err == nil {
		assigned = m.nextID
		m.nextID++
	}
	if _, exists := m.filters[assigned]; exists {
		return 0, ErrFilterExists
	}
	m.filters[assigned] = f
	m.edges[assigned] = make(map[runnable.ID]struct{})
	m.logger.Info("filter registered", servicelog.Int("id", int(assigned)))
	return assigned, nil
}

// RemoveFilter unregisters f, disconnecting every path touching it and
// removing it from the scheduler.
func (m *Manager) RemoveFilter(id runnable.ID) error {
	f, ok := m.filters[id]
	if !ok {
		return ErrUnknownFilter
	}
	var err error
	for pid, p := range m.paths {
		if p.SrcFilter == id || p.DstFilter == id {
			err = multierr.Append(err, m.RemovePath(pid))
		}
	}
	f.Stop()
	if m.pool != nil {
		if rmErr := m.pool.RemoveTask(id); rmErr != nil && !errors.Is(rmErr, scheduler.ErrUnknownRunnable) {
			err = multierr.Append(err, rmErr)
		}
	}
	delete(m.filters, id)
	delete(m.edges, id)
	return err
}

// CreatePath allocates a queue between src's writer and dst's reader,
// endpoint IDs of -1 meaning "pick the first free one", without yet
// wiring the scheduler edge (that happens in ConnectPath). Splitting
// creation from connection gives RemovePath a single rollback point.
func (m *Manager) CreatePath(src runnable.ID, writerID frame.EndpointID, dst runnable.ID, readerID frame.EndpointID, capacity, maxFrameLength int, codec frame.Codec, planar bool) (*Path, error) {
	srcFilter, ok := m.filters[src]
	if !ok {
		return nil, fmt.Errorf("%w: src=%d", ErrUnknownFilter, src)
	}
	dstFilter, ok := m.filters[dst]
	if !ok {
		return nil, fmt.Errorf("%w: dst=%d", ErrUnknownFilter, dst)
	}

	if m.wouldCycle(src, dst) {
		return nil, ErrWouldCycle
	}

	w, err := srcFilter.AddWriter(writerID)
	if err != nil {
		return nil, err
	}
	r, err := dstFilter.AddReader(readerID)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%d:%d->%d:%d", src, w.ID(), dst, r.ID())
	q := frame.NewQueue(name, capacity, maxFrameLength, codec, planar, m.metrics)

	pid := m.nextPID
	m.nextPID++
	p := &Path{ID: pid, SrcFilter: src, SrcWriter: w.ID(), DstFilter: dst, DstReader: r.ID(), Queue: q}
	m.paths[pid] = p
	return p, nil
}

// ConnectPath binds the queue created by CreatePath to its two
// endpoints, records the downstream filter ID on the source so ticks
// can report EnabledIDs, marks both filters Runnable, and records the
// graph edge used by cycle detection. It refuses an edge that would
// close a cycle among already-connected paths. On a failure after the
// queue is bound it disconnects both endpoints and drops the recorded
// graph edge again; the downstream record, the Runnable state and a
// scheduler registration already made for the source are kept.
func (m *Manager) ConnectPath(p *Path) (err error) {
	srcFilter, ok := m.filters[p.SrcFilter]
	if !ok {
		return fmt.Errorf("%w: src=%d", ErrUnknownFilter, p.SrcFilter)
	}
	dstFilter, ok := m.filters[p.DstFilter]
	if !ok {
		return fmt.Errorf("%w: dst=%d", ErrUnknownFilter, p.DstFilter)
	}
	w, err := srcFilter.Writer(p.SrcWriter)
	if err != nil {
		return err
	}
	r, err := dstFilter.Reader(p.DstReader)
	if err != nil {
		return err
	}

	if m.wouldCycle(p.SrcFilter, p.DstFilter) {
		return ErrWouldCycle
	}

	defer func() {
		if err != nil {
			frame.Disconnect(r, w, p.Queue)
			delete(m.edges[p.SrcFilter], p.DstFilter)
		}
	}()

	frame.Connect(r, w, p.Queue)
	srcFilter.SetDownstream(p.SrcWriter, p.DstFilter)

	if m.edges[p.SrcFilter] == nil {
		m.edges[p.SrcFilter] = make(map[runnable.ID]struct{})
	}
	m.edges[p.SrcFilter][p.DstFilter] = struct{}{}

	srcFilter.MarkRunnable()
	dstFilter.MarkRunnable()

	if addErr := m.addTask(srcFilter); addErr != nil {
		err = addErr
		return err
	}
	if addErr := m.addTask(dstFilter); addErr != nil {
		err = addErr
		return err
	}
	return nil
}

// addTask registers f with the pool, unless f is a master/slave
// group's slave. A slave is never dispatched independently: its
// master drives it through runSharedTick synchronously, inside the
// master's own tick, once per shared input frame (spec.md §4.4
// "Master/Slave frame sharing"). A slave dispatched as its own pool
// task would only back off on every tick (OneToOne.RunProcessFrame
// returns early for RoleSlave), spending worker time for nothing.
func (m *Manager) addTask(f Filter) error {
	if m.pool == nil || f.Role() == filter.RoleSlave {
		return nil
	}
	if err := m.pool.AddTask(f, time.Now()); err != nil && !errors.Is(err, scheduler.ErrAlreadyRegistered) {
		return err
	}
	return nil
}

// RemovePath tears down the queue and the graph edge it represented.
func (m *Manager) RemovePath(id PathID) error {
	p, ok := m.paths[id]
	if !ok {
		return ErrUnknownPath
	}
	if srcFilter, ok := m.filters[p.SrcFilter]; ok {
		if w, werr := srcFilter.Writer(p.SrcWriter); werr == nil {
			if dstFilter, ok := m.filters[p.DstFilter]; ok {
				if r, rerr := dstFilter.Reader(p.DstReader); rerr == nil {
					frame.Disconnect(r, w, p.Queue)
				}
			}
		}
	}
	if peers, ok := m.edges[p.SrcFilter]; ok {
		delete(peers, p.DstFilter)
	}
	delete(m.paths, id)
	return nil
}

// wouldCycle reports whether adding an edge src->dst would make the
// graph stop being a DAG, via DFS from dst looking for a path back to
// src.
func (m *Manager) wouldCycle(src, dst runnable.ID) bool {
	if src == dst {
		return true
	}
	visited := make(map[runnable.ID]bool)
	var dfs func(runnable.ID) bool
	dfs = func(cur runnable.ID) bool {
		if cur == src {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for next := range m.edges[cur] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(dst)
}

// Filters returns a snapshot of every registered filter ID.
func (m *Manager) Filters() []runnable.ID {
	out := make([]runnable.ID, 0, len(m.filters))
	for id := range m.filters {
		out = append(out, id)
	}
	return out
}
