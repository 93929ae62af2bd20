package filter

import (
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// OneToManyProcessor transforms one input frame into one output frame
// per active writer; dst is a fresh per-writer slot each call, enabling
// distinct outputs (e.g. per-bitrate transcodes) rather than a single
// copy fanned out verbatim.
type OneToManyProcessor interface {
	ProcessFrame(src, dst *frame.Frame, writerID frame.EndpointID) (time.Duration, error)
}

// OneToMany is the single-reader, multi-writer fan-out variant
// (spec.md §4.4). Every connected writer gets its own call into the
// processor so each can diverge (e.g. a transcoder's per-rendition
// writers), rather than a single bitwise copy.
type OneToMany struct {
	*Base
	processor OneToManyProcessor
}

// NewOneToMany builds a fan-out filter; its single reader and however
// many writers are all created on demand as paths are connected.
func NewOneToMany(name string, processor OneToManyProcessor, logger servicelog.Logger, rec *metrics.Recorder) (*OneToMany, error) {
	b := NewBase(name, false, 0, logger, rec)
	return &OneToMany{Base: b, processor: processor}, nil
}

// RunProcessFrame implements runnable.Runnable.
func (o *OneToMany) RunProcessFrame() runnable.Result {
	start := time.Now()
	if o.Stopped() {
		return runnable.Result{Delay: RetryDelay}
	}
	r, err := o.FirstReader()
	if err != nil {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}
	inQ := r.FrameQueue()
	if inQ == nil || !inQ.Connected() {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}
	if !o.SetRunning() {
		return runnable.Result{Delay: RetryDelay}
	}
	defer o.UnsetRunning()

	src, err := inQ.GetFront()
	if err != nil {
		return runnable.Result{Delay: o.finishTick(start, RetryDelay)}
	}

	var enabled []runnable.ID
	var worstDelay time.Duration
	for _, wid := range o.WriterOrder() {
		w, err := o.Writer(wid)
		if err != nil {
			continue
		}
		outQ := w.FrameQueue()
		if outQ == nil || !outQ.Connected() {
			continue
		}
		dst := outQ.ForceGetRear()
		delay, perr := o.processor.ProcessFrame(src, dst, wid)
		if perr != nil {
			o.logger.Error("process_frame failed", servicelog.String("filter", o.Name()),
				servicelog.Int("writer", int(wid)), servicelog.Error(perr))
			continue
		}
		dst.SetSequenceNumber(src.SequenceNumber())
		outQ.AddFrame()
		if downstream, ok := o.Downstream(wid); ok {
			enabled = append(enabled, downstream)
		}
		if delay > worstDelay {
			worstDelay = delay
		}
	}

	inQ.RemoveFrame()
	d := o.finishTick(start, worstDelay)
	return runnable.Result{EnabledIDs: enabled, Delay: d}
}
