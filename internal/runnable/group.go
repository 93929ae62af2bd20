package runnable

import (
	"sync"

	"go.uber.org/atomic"
)

// Group is the set of Runnable IDs sharing one running-count refcount,
// the mechanism by which a master and its slaves agree on when a
// shared input frame may finally be released (spec.md §3, "Group").
//
// Lifetime: a Group is shared-ownership, referenced by every member
// filter; it lives as long as the longest-lived member holds a
// reference to it.
type Group struct {
	mu           sync.Mutex
	ids          []ID
	runningCount int32
	run          atomic.Bool
}

// NewGroup builds a group over the given member IDs. A filter with no
// master and no slaves still gets a singleton group of itself, so the
// scheduler's group-aware paths need no special case for ungrouped
// runnables.
func NewGroup(ids ...ID) *Group {
	cp := make([]ID, len(ids))
	copy(cp, ids)
	return &Group{ids: cp}
}

// IDs returns every member ID, including the caller's own.
func (g *Group) IDs() []ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ID, len(g.ids))
	copy(out, g.ids)
	return out
}

// Size returns the number of members in the group.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ids)
}

// Begin is called by a member about to run its tick. If the group's
// running count is currently zero, it atomically sets it to |group|
// and raises the run flag, and Begin returns true to tell the caller
// it was the one to start this round. Concurrent callers racing to
// start the same round all see a consistent outcome: exactly one of
// them gets true.
func (g *Group) Begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runningCount != 0 {
		return false
	}
	g.runningCount = int32(len(g.ids))
	g.run.Store(true)
	return true
}

// Finish is called by a member when its tick on the current shared
// frame completes. It decrements the running count and, if the count
// reaches zero, clears the run flag — marking this the last
// participant, the one allowed to release the shared frame (for a
// master: perform RemoveFrame on the input it deferred).
func (g *Group) Finish() (remaining int32, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runningCount > 0 {
		g.runningCount--
	}
	if g.runningCount == 0 {
		g.run.Store(false)
		return 0, true
	}
	return g.runningCount, false
}

// Running reports whether the group currently has a round in flight.
func (g *Group) Running() bool { return g.run.Load() }

// AddMember grows the group to include id, used when a slave attaches
// to a master after both already exist as singleton groups of
// themselves. Must only be called while the group has no round in
// flight (wiring happens before the pipeline starts scheduling).
func (g *Group) AddMember(id ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.ids {
		if existing == id {
			return
		}
	}
	g.ids = append(g.ids, id)
}
