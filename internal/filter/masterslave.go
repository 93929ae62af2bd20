package filter

import (
	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/runnable"
)

// SharedFrameMember is a filter that can be attached as a slave and
// driven directly by its master with a frame the master already read,
// rather than through its own connected reader (spec.md §4.4
// "Master/Slave frame sharing"). OneToOne is the only variant that
// implements it today.
type SharedFrameMember interface {
	runnable.Runnable
	Role() Role
	runSharedTick(src *frame.Frame)
	attachToMaster(master *Base)
	detachFromMaster()
}

// markMaster flips a filter's role to master once it has at least one
// slave attached.
func (b *Base) markMaster() {
	b.mu.Lock()
	b.role = RoleMaster
	b.mu.Unlock()
}

// attachToMaster records that b is now a slave of master and makes b
// share master's running-count group, so the slave's Finish in
// runSharedTick counts toward the master's round. Called by the
// master's AddSlave.
func (b *Base) attachToMaster(master *Base) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.role = RoleSlave
	b.master = master
	b.group = master.group
}

// detachFromMaster clears the slave relationship set by attachToMaster.
func (b *Base) detachFromMaster() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.role = RoleNone
	b.master = nil
}

// Role returns the filter's position in its master/slave group, if any.
func (b *Base) Role() Role {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.role
}

// sharedFrameState tracks, for a master reading one shared input
// frame, whether that frame's RemoveFrame has been deferred pending
// every group member's turn. Spec.md is explicit that "the master's
// next tick performs the remove_frame" rather than releasing the
// moment the last slave finishes, so the release is recorded here and
// applied lazily at the top of the master's following
// RunProcessFrame, never synchronously inside Group.Finish.
type sharedFrameState struct {
	pendingRelease bool
}

// beginSharedRead is called by the master at the start of a tick that
// is about to read and share its front input frame. It first applies
// any release deferred from the previous round, then marks the
// current frame unconsumed so slaves know it is still in flight.
func (b *Base) beginSharedRead(s *sharedFrameState, r *frame.Reader) {
	if s.pendingRelease {
		if q := r.FrameQueue(); q != nil {
			q.RemoveFrame()
		}
		s.pendingRelease = false
	}
	if f, err := r.FrameQueue().GetFront(); err == nil {
		f.SetConsumed(false)
	}
}

// endSharedRound is called by the master once it (the last participant
// to call Group.Finish) observes the round complete. It marks the
// frame consumed and defers the actual queue release to next tick.
func (b *Base) endSharedRound(s *sharedFrameState, r *frame.Reader) {
	if f, err := r.FrameQueue().GetFront(); err == nil {
		f.SetConsumed(true)
	}
	s.pendingRelease = true
}
