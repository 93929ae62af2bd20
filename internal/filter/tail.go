package filter

import (
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// TailConsumer is handed every frame a Tail reads, with no output to
// produce (a recorder, a network sender, a metrics-only sink).
type TailConsumer interface {
	ConsumeFrame(src *frame.Frame) (time.Duration, error)
}

// Tail is the single-reader, no-writer sink variant (spec.md §4.4).
type Tail struct {
	*Base
	consumer TailConsumer
}

// NewTail builds a sink filter around consumer. Its reader endpoint is
// created on demand by PipelineManager.CreatePath.
func NewTail(name string, consumer TailConsumer, logger servicelog.Logger, rec *metrics.Recorder) (*Tail, error) {
	b := NewBase(name, false, 0, logger, rec)
	return &Tail{Base: b, consumer: consumer}, nil
}

// RunProcessFrame implements runnable.Runnable.
func (t *Tail) RunProcessFrame() runnable.Result {
	start := time.Now()
	if t.Stopped() {
		return runnable.Result{Delay: RetryDelay}
	}
	r, err := t.FirstReader()
	if err != nil {
		return runnable.Result{Delay: t.finishTick(start, RetryDelay)}
	}
	inQ := r.FrameQueue()
	if inQ == nil || !inQ.Connected() {
		return runnable.Result{Delay: t.finishTick(start, RetryDelay)}
	}
	if !t.SetRunning() {
		return runnable.Result{Delay: RetryDelay}
	}
	defer t.UnsetRunning()

	src, err := inQ.GetFront()
	if err != nil {
		return runnable.Result{Delay: t.finishTick(start, RetryDelay)}
	}
	delay, perr := t.consumer.ConsumeFrame(src)
	if perr != nil {
		t.logger.Error("consume_frame failed", servicelog.String("filter", t.Name()), servicelog.Error(perr))
	}
	inQ.RemoveFrame()
	d := t.finishTick(start, delay)
	return runnable.Result{Delay: d}
}
