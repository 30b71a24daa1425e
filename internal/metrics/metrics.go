// Package metrics exposes Prometheus instrumentation for album processing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered for one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksProcessed  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	phaseDuration   *prometheus.HistogramVec
	framesConverted prometheus.Counter
	tasksInFlight   prometheus.Gauge
	uploadBytes     prometheus.Histogram
}

// New registers the collectors on reg and serves them from gatherer.
// Pass prometheus.NewRegistry() twice in tests to avoid the global registry.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		tasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framecatcher_tasks_processed_total",
			Help: "Total number of tasks that finished processing",
		}, []string{"status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framecatcher_task_duration_seconds",
			Help:    "Duration of task processing in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framecatcher_phase_duration_seconds",
			Help:    "Duration of each processing phase in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		framesConverted: f.NewCounter(prometheus.CounterOpts{
			Name: "framecatcher_frames_converted_total",
			Help: "Total number of frames converted to HEIC",
		}),
		tasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "framecatcher_tasks_in_flight",
			Help: "Number of tasks currently processing",
		}),
		uploadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "framecatcher_upload_size_bytes",
			Help:    "Size of uploaded videos in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8),
		}),
	}
}

// NewWithRuntime creates a private registry that also carries the Go
// runtime and process collectors. Each call is independent, so it is safe
// to use more than once per process.
func NewWithRuntime() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg, reg)
}

// TaskStarted marks a task as in flight.
func (m *Metrics) TaskStarted() {
	m.tasksInFlight.Inc()
}

// TaskFinished records the outcome and duration of a task.
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	m.tasksInFlight.Dec()
	m.tasksProcessed.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// PhaseDone records how long a pipeline phase took.
func (m *Metrics) PhaseDone(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// FrameConverted counts one converted frame.
func (m *Metrics) FrameConverted() {
	m.framesConverted.Inc()
}

// UploadReceived records the size of an uploaded video.
func (m *Metrics) UploadReceived(size int64) {
	m.uploadBytes.Observe(float64(size))
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
