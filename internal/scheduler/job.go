package scheduler

import (
	"time"

	"github.com/flowforge/mediacore/internal/runnable"
)

// job is one entry in the pool's deadline-ordered queue: a runnable
// together with the time it next becomes worth dispatching.
type job struct {
	r        runnable.Runnable
	deadline time.Time
	seq      uint64 // insertion order, breaks deadline ties (EDF+FIFO)
}

// less orders jobs earliest-deadline-first, falling back to insertion
// order for equal deadlines so two simultaneously-armed runnables are
// dispatched in the order they were queued rather than arbitrarily.
// NewPool always builds its tree with this function; the pool offers
// no way for callers to supply a different ordering.
func less(a, b *job) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}
