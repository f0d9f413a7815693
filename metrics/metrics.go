// Package metrics exposes Prometheus instrumentation for the admission
// path and the worker pool. All collectors are nil-receiver safe so wiring
// stays optional in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	admissions      *prometheus.CounterVec
	executions      *prometheus.CounterVec
	runDuration     prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	jobRetries      prometheus.Counter
	inflight        prometheus.Gauge
	sweptExecutions prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_admissions_total",
			Help: "Run admissions by result (accepted, invalid_parameter, rate_limited, session_not_found, session_closed, error).",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_executions_total",
			Help: "Executions reaching a terminal state, by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crucible_run_duration_seconds",
			Help:    "Wall-clock run duration from spawn to termination.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crucible_queue_depth",
			Help: "Queue entries by state (ready, delayed, reserved).",
		}, []string{"state"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_job_retries_total",
			Help: "Jobs nacked back to the queue for retry.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crucible_worker_inflight_jobs",
			Help: "Jobs currently being processed by this worker.",
		}),
		sweptExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crucible_swept_executions_total",
			Help: "RUNNING executions relabeled FAILED by the repair sweep.",
		}),
	}

	reg.MustRegister(
		m.admissions, m.executions, m.runDuration,
		m.queueDepth, m.jobRetries, m.inflight, m.sweptExecutions,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncAdmission records one admission attempt by result label.
func (m *Metrics) IncAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

// IncExecution records one terminal execution by status.
func (m *Metrics) IncExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// ObserveRunDuration records one run's wall-clock duration in seconds.
func (m *Metrics) ObserveRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.runDuration.Observe(seconds)
}

// SetQueueDepth updates the depth gauges.
func (m *Metrics) SetQueueDepth(ready, delayed, reserved int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("ready").Set(float64(ready))
	m.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	m.queueDepth.WithLabelValues("reserved").Set(float64(reserved))
}

// IncJobRetry records one nack-for-retry.
func (m *Metrics) IncJobRetry() {
	if m == nil {
		return
	}
	m.jobRetries.Inc()
}

// JobStarted increments the in-flight gauge.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// JobFinished decrements the in-flight gauge.
func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// AddSwept records repair-sweep relabels.
func (m *Metrics) AddSwept(n int64) {
	if m == nil {
		return
	}
	m.sweptExecutions.Add(float64(n))
}
