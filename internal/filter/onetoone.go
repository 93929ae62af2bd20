package filter

import (
	"sync"
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// OneToOneProcessor transforms one input frame into one output frame.
// Implementations do their own codec work; ProcessFrame only reports
// how long the filter should wait before its next tick is eligible.
type OneToOneProcessor interface {
	ProcessFrame(src, dst *frame.Frame) (time.Duration, error)
}

// OneToOne is the single-reader/single-writer filter variant of
// spec.md §4.4. A OneToOne may also act as the master of a group of
// slave OneToOne filters that reprocess the same shared input frame
// into their own independent outputs (the "Master/Slave frame
// sharing" subsection).
type OneToOne struct {
	*Base
	processor OneToOneProcessor
	shared    *sharedFrameState

	mu     sync.Mutex
	slaves map[frame.EndpointID]SharedFrameMember
}

// NewOneToOne builds a OneToOne filter around processor. Its reader
// and writer endpoints are created on demand by
// PipelineManager.CreatePath, not at construction time.
func NewOneToOne(name string, processor OneToOneProcessor, logger servicelog.Logger, rec *metrics.Recorder) (*OneToOne, error) {
	b := NewBase(name, false, 0, logger, rec)
	return &OneToOne{Base: b, processor: processor}, nil
}

// AddSlave attaches slave to o's group, sharing o's input frames on
// writerID (spec.md §4.4 "Master/Slave frame sharing"). The slave
// keeps its own independent output writer; writerID is only a
// bookkeeping slot on the master, preventing a second slave from
// attaching to the same slot. Both filters must already have an ID
// (have gone through PipelineManager.AddFilter).
func (o *OneToOne) AddSlave(writerID frame.EndpointID, slave SharedFrameMember) error {
	o.mu.Lock()
	if o.slaves == nil {
		o.slaves = make(map[frame.EndpointID]SharedFrameMember)
	}
	if _, occupied := o.slaves[writerID]; occupied {
		o.mu.Unlock()
		return ErrWriterOccupied
	}
	if slave.Role() == RoleSlave {
		o.mu.Unlock()
		return ErrSlaveAlreadyAttached
	}
	o.slaves[writerID] = slave
	o.mu.Unlock()

	o.markMaster()
	slave.attachToMaster(o.Base)
	o.group.AddMember(slave.GetID())
	return nil
}

// RemoveSlave detaches the slave previously attached at writerID, if any.
func (o *OneToOne) RemoveSlave(writerID frame.EndpointID) {
	o.mu.Lock()
	slave, ok := o.slaves[writerID]
	if ok {
		delete(o.slaves, writerID)
	}
	o.mu.Unlock()
	if ok {
		slave.detachFromMaster()
	}
}

// IsMaster reports whether o currently has slaves attached.
func (o *OneToOne) IsMaster() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slaves) > 0
}

// Slaves returns a snapshot of writerID -> attached slave.
func (o *OneToOne) Slaves() map[frame.EndpointID]SharedFrameMember {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[frame.EndpointID]SharedFrameMember, len(o.slaves))
	for k, v := range o.slaves {
		out[k] = v
	}
	return out
}

// RunProcessFrame implements runnable.Runnable.
func (o *OneToOne) RunProcessFrame() runnable.Result {
	start := time.Now()
	if o.Stopped() {
		return runnable.Result{Delay: RetryDelay}
	}

	if o.Role() == RoleSlave {
		// Slaves are not independently dispatched: their master drives
		// processing synchronously inside its own tick. A scheduler
		// dispatch that reaches an attached slave directly just backs
		// off, without claiming the shared group.
		return runnable.Result{Delay: RetryDelay}
	}

	r, err := o.FirstReader()
	if err != nil {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}
	w, err := o.FirstWriter()
	if err != nil {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}
	inQ := r.FrameQueue()
	outQ := w.FrameQueue()
	if inQ == nil || outQ == nil || !inQ.Connected() || !outQ.Connected() {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}

	if !o.SetRunning() {
		return runnable.Result{Delay: RetryDelay}
	}

	master := o.IsMaster()
	if master && o.shared == nil {
		o.shared = &sharedFrameState{}
	}
	if master {
		o.beginSharedRead(o.shared, r)
	}

	src, err := inQ.GetFront()
	if err != nil {
		// No frame to share, so no slave runs this round: finish on
		// each slave's behalf so the group count returns to zero.
		for range o.Slaves() {
			o.group.Finish()
		}
		o.UnsetRunning()
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}

	var enabled []runnable.ID
	dst := outQ.ForceGetRear()
	delay, perr := o.processor.ProcessFrame(src, dst)
	if perr != nil {
		o.logger.Error("process_frame failed", servicelog.String("filter", o.Name()), servicelog.Error(perr))
	} else {
		dst.SetSequenceNumber(src.SequenceNumber())
		outQ.AddFrame()
		if downstream, ok := o.Downstream(w.ID()); ok {
			enabled = append(enabled, downstream)
		}
	}

	if !master {
		inQ.RemoveFrame()
	}

	for _, slave := range o.Slaves() {
		slave.runSharedTick(src)
	}

	_, last := o.group.Finish()
	if master && last {
		o.endSharedRound(o.shared, r)
	}

	d := o.finishTick(start, delay)
	return runnable.Result{EnabledIDs: enabled, Delay: d}
}

// runSharedTick is how a slave processes a frame its master already
// read: it never touches its own input reader (it has none connected
// to the shared edge), only its own independent output.
func (o *OneToOne) runSharedTick(src *frame.Frame) {
	defer o.group.Finish()
	if o.Stopped() {
		return
	}
	w, err := o.FirstWriter()
	if err != nil {
		return
	}
	outQ := w.FrameQueue()
	if outQ == nil || !outQ.Connected() {
		return
	}
	dst := outQ.ForceGetRear()
	_, perr := o.processor.ProcessFrame(src, dst)
	if perr != nil {
		o.logger.Error("slave process_frame failed", servicelog.String("filter", o.Name()), servicelog.Error(perr))
		return
	}
	dst.SetSequenceNumber(src.SequenceNumber())
	outQ.AddFrame()
}
