package filter

import (
	"time"

	"github.com/flowforge/mediacore/internal/frame"
	"github.com/flowforge/mediacore/internal/metrics"
	"github.com/flowforge/mediacore/internal/runnable"
	"github.com/flowforge/mediacore/internal/servicelog"
)

// ManyToManyProcessor is the general-case contract: given whichever
// readers currently have a frame available, produce zero or more
// per-writer outputs and report which readers were consumed.
type ManyToManyProcessor interface {
	ProcessFrame(available map[frame.EndpointID]*frame.Frame, writers map[frame.EndpointID]*frame.Frame) (consumed, filled []frame.EndpointID, delay time.Duration, err error)
}

// ManyToMany is the fully general multi-reader, multi-writer variant
// (spec.md §4.4), e.g. a mixer that also re-encodes to several
// renditions. writers passed to the processor are pre-allocated rear
// slots for every connected writer; the processor decides which of
// them to actually fill (an unfilled writer's slot is simply not
// committed via AddFrame).
type ManyToMany struct {
	*Base
	processor ManyToManyProcessor
}

// NewManyToMany builds a filter with no pre-declared endpoints; both
// readers and writers are added on demand as paths are connected.
func NewManyToMany(name string, processor ManyToManyProcessor, logger servicelog.Logger, rec *metrics.Recorder) *ManyToMany {
	b := NewBase(name, false, 0, logger, rec)
	return &ManyToMany{Base: b, processor: processor}
}

// RunProcessFrame implements runnable.Runnable.
func (m *ManyToMany) RunProcessFrame() runnable.Result {
	start := time.Now()
	if m.Stopped() {
		return runnable.Result{Delay: RetryDelay}
	}

	readerIDs := m.ReaderOrder()
	available := make(map[frame.EndpointID]*frame.Frame, len(readerIDs))
	inQueues := make(map[frame.EndpointID]*frame.Queue, len(readerIDs))
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
		inQueues[rid] = q
	}
	if len(available) == 0 {
		return runnable.Result{Delay: m.finishTick(start, RetryDelay)}
	}

	writerIDs := m.WriterOrder()
	writerSlots := make(map[frame.EndpointID]*frame.Frame, len(writerIDs))
	outQueues := make(map[frame.EndpointID]*frame.Queue, len(writerIDs))
	for _, wid := range writerIDs {
		w, err := m.Writer(wid)
		if err != nil {
			continue
		}
		outQ := w.FrameQueue()
		if outQ == nil || !outQ.Connected() {
			continue
		}
		writerSlots[wid] = outQ.ForceGetRear()
		outQueues[wid] = outQ
	}

	if !m.SetRunning() {
		return runnable.Result{Delay: RetryDelay}
	}
	defer m.UnsetRunning()

	consumed, filled, delay, perr := m.processor.ProcessFrame(available, writerSlots)
	var enabled []runnable.ID
	if perr != nil {
		m.logger.Error("process_frame failed", servicelog.String("filter", m.Name()), servicelog.Error(perr))
	} else {
		for _, wid := range filled {
			outQ, ok := outQueues[wid]
			if !ok {
				continue
			}
			outQ.AddFrame()
			if downstream, ok := m.Downstream(wid); ok {
				enabled = append(enabled, downstream)
			}
		}
	}
	for _, rid := range consumed {
		if q, ok := inQueues[rid]; ok {
			q.RemoveFrame()
		}
	}

	d := m.finishTick(start, delay)
	return runnable.Result{EnabledIDs: enabled, Delay: d}
}
