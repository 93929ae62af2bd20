package filter

import (
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// HeadGenerator produces a frame with no upstream input, for source
// filters such as a capture device or a periodic synthetic generator.
type HeadGenerator interface {
	GenerateFrame(dst *frame.Frame) (time.Duration, error)
}

// Head is the no-reader, single-writer source variant (spec.md §4.4).
// It is always periodic: its own tick re-arms itself after Period.
type Head struct {
	*Base
	generator HeadGenerator
	seq       uint64
}

// NewHead builds a periodic source filter ticking at the given period.
// Its output writer is created on demand by PipelineManager.CreatePath.
func NewHead(name string, period time.Duration, generator HeadGenerator, logger servicelog.Logger, rec *metrics.Recorder) (*Head, error) {
	b := NewBase(name, true, period, logger, rec)
	return &Head{Base: b, generator: generator}, nil
}

// RunProcessFrame implements runnable.Runnable.
func (h *Head) RunProcessFrame() runnable.Result {
	start := time.Now()
	if h.Stopped() {
		return runnable.Result{Delay: h.Period()}
	}
	w, err := h.FirstWriter()
	if err != nil {
		return runnable.Result{Delay: h.finishTick(start, h.Period())}
	}
	outQ := w.FrameQueue()
	if outQ == nil || !outQ.Connected() {
		return runnable.Result{Delay: h.finishTick(start, h.Period())}
	}
	if !h.SetRunning() {
		return runnable.Result{Delay: h.Period()}
	}
	defer h.UnsetRunning()

	dst := outQ.ForceGetRear()
	delay, perr := h.generator.GenerateFrame(dst)
	var enabled []runnable.ID
	if perr != nil {
		h.logger.Error("generate_frame failed", servicelog.String("filter", h.Name()), servicelog.Error(perr))
	} else {
		h.seq++
		dst.SetSequenceNumber(h.seq)
		outQ.AddFrame()
		if downstream, ok := h.Downstream(w.ID()); ok {
			enabled = append(enabled, downstream)
		}
	}
	if delay <= 0 {
		delay = h.Period()
	}
	d := h.finishTick(start, delay)
	return runnable.Result{EnabledIDs: enabled, Delay: d}
}
