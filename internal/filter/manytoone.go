package filter

import (
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// ManyToOneProcessor implements the "demand frames" protocol: it is
// handed whichever readers currently have a frame available (readers
// with nothing queued are simply absent from the map — the filter
// never blocks waiting for all of them to fill), and reports which of
// those it actually consumed this tick.
type ManyToOneProcessor interface {
	ProcessFrame(available map[frame.EndpointID]*frame.Frame, dst *frame.Frame) (consumed []frame.EndpointID, delay time.Duration, err error)
}

// ManyToOne is the multi-reader, single-writer variant (spec.md §4.4),
// e.g. an audio/video muxer. Each tick peeks every connected reader's
// front frame without blocking on readers that are currently empty.
type ManyToOne struct {
	*Base
	processor ManyToOneProcessor
}

// NewManyToOne builds a merge filter; its single writer and however
// many readers are all created on demand as paths are connected.
func NewManyToOne(name string, processor ManyToOneProcessor, logger servicelog.Logger, rec *metrics.Recorder) (*ManyToOne, error) {
	b := NewBase(name, false, 0, logger, rec)
	return &ManyToOne{Base: b, processor: processor}, nil
}

// RunProcessFrame implements runnable.Runnable.
func (m *ManyToOne) RunProcessFrame() runnable.Result {
	start := time.Now()
	if m.Stopped() {
		return runnable.Result{Delay: RetryDelay}
	}
	w, err := m.FirstWriter()
	if err != nil {
		return runnable.Result{Delay: m.finishTick(start, RetryDelay)}
	}
	outQ := w.FrameQueue()
	if outQ == nil || !outQ.Connected() {
		return runnable.Result{Delay: m.finishTick(start, RetryDelay)}
	}

	readerIDs := m.ReaderOrder()
	available := make(map[frame.EndpointID]*frame.Frame, len(readerIDs))
	queues := make(map[frame.EndpointID]*frame.Queue, len(readerIDs))
	for _, rid := range readerIDs {
		r, err := m.Reader(rid)
		if err != nil {
			continue
		}
		q := r.FrameQueue()
		if q == nil || !q.Connected() {
			continue
		}
		f, err := q.GetFront()
		if err != nil {
			continue
		}
		available[rid] = f
		queues[rid] = q
	}
	if len(available) == 0 {
		return runnable.Result{Delay: m.finishTick(start, RetryDelay)}
	}

	if !m.SetRunning() {
		return runnable.Result{Delay: RetryDelay}
	}
	defer m.UnsetRunning()

	dst := outQ.ForceGetRear()
	consumed, delay, perr := m.processor.ProcessFrame(available, dst)
	var enabled []runnable.ID
	if perr != nil {
		m.logger.Error("process_frame failed", servicelog.String("filter", m.Name()), servicelog.Error(perr))
	} else {
		outQ.AddFrame()
		if downstream, ok := m.Downstream(w.ID()); ok {
			enabled = append(enabled, downstream)
		}
	}
	for _, rid := range consumed {
		if q, ok := queues[rid]; ok {
			q.RemoveFrame()
		}
	}

	d := m.finishTick(start, delay)
	return runnable.Result{EnabledIDs: enabled, Delay: d}
}
