// Package metrics wires the runtime's counters and histograms to
// Prometheus. Every collector lives on a Recorder instead of package
// globals so tests can build an isolated registry per case, the way
// the teacher keeps its promauto vectors at package scope but a
// Recorder lets callers opt out in unit tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder groups the collectors a pipeline reports through. A nil
// *Recorder is valid and every method becomes a no-op, so components
// can be constructed without metrics in tests.
type Recorder struct {
	queueDepth     *prometheus.GaugeVec
	queueDrops     *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
	schedBacklog   prometheus.Gauge
	groupWait      *prometheus.HistogramVec
}

// New registers the runtime's collectors against reg and returns a
// Recorder bound to them. Pass prometheus.NewRegistry() in tests to
// avoid colliding with the global DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowcore_queue_depth",
			Help: "Number of frames currently held in a FrameQueue.",
		}, []string{"edge"}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowcore_queue_drops_total",
			Help: "Number of times force_get_rear overwrote an unread frame.",
		}, []string{"edge"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_filter_tick_duration_seconds",
			Help:    "Wall time spent in a filter's process_frame call.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"filter"}),
		schedBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowcore_scheduler_backlog",
			Help: "Number of jobs currently queued in the scheduler.",
		}),
		groupWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowcore_group_wait_duration_seconds",
			Help:    "Time a master spends waiting for its slave group to finish with a shared frame.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		}, []string{"group"}),
	}
	reg.MustRegister(r.queueDepth, r.queueDrops, r.tickDuration, r.schedBacklog, r.groupWait)
	return r
}

// SetQueueDepth reports the current element count of the named edge.
func (r *Recorder) SetQueueDepth(edge string, elements int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(edge).Set(float64(elements))
}

// IncQueueDrop counts one lossy overwrite on the named edge.
func (r *Recorder) IncQueueDrop(edge string) {
	if r == nil {
		return
	}
	r.queueDrops.WithLabelValues(edge).Inc()
}

// ObserveTick records how long a filter's tick took.
func (r *Recorder) ObserveTick(filter string, d time.Duration) {
	if r == nil {
		return
	}
	r.tickDuration.WithLabelValues(filter).Observe(d.Seconds())
}

// SetSchedulerBacklog reports the scheduler's current job count.
func (r *Recorder) SetSchedulerBacklog(n int) {
	if r == nil {
		return
	}
	r.schedBacklog.Set(float64(n))
}

// ObserveGroupWait records how long a master waited for its group.
func (r *Recorder) ObserveGroupWait(group string, d time.Duration) {
	if r == nil {
		return
	}
	r.groupWait.WithLabelValues(group).Observe(d.Seconds())
}
