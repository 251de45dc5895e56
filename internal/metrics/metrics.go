// Package metrics defines the Prometheus metrics exposed by the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Reservation metrics
	ReservationsTotal *prometheus.CounterVec
	CASConflictsTotal prometheus.Counter
	ReserveDuration   prometheus.Histogram

	// Wait queue metrics
	QueueJobsTotal    *prometheus.CounterVec
	QueueWaitDuration prometheus.Histogram
	QueueDepth        prometheus.Gauge

	// Sweep metrics
	SweepRunsTotal *prometheus.CounterVec

	// Key pool metrics
	KeysByStatus *prometheus.GaugeVec

	// HTTP metrics
	HTTPErrorsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ReservationsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_reservations_total",
				Help: "Total number of reservation attempts by plan and outcome",
			},
			[]string{"plan", "outcome"}, // outcome: ok, none; plan is "any" for none
		),

		CASConflictsTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "keybroker_cas_conflicts_total",
				Help: "Total number of compare-and-set updates lost to a concurrent caller",
			},
		),

		ReserveDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keybroker_reserve_duration_seconds",
				Help:    "Duration of non-blocking reserve calls",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),

		QueueJobsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_queue_jobs_total",
				Help: "Total number of wait-queue jobs by outcome",
			},
			[]string{"outcome"}, // outcome: ok, timeout, error
		),

		QueueWaitDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keybroker_queue_wait_duration_seconds",
				Help:    "Time a queued job waited for a key",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		QueueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "keybroker_queue_depth",
				Help: "Number of wait-queue jobs pending or in flight",
			},
		),

		SweepRunsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_sweep_runs_total",
				Help: "Total number of maintenance sweep passes by type and status",
			},
			[]string{"sweep", "status"}, // sweep: window, day; status: success, error
		),

		KeysByStatus: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keybroker_keys",
				Help: "Number of keys in the pool by lifecycle status",
			},
			[]string{"status"}, // status: active, exhausted, banned
		),

		HTTPErrorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_http_errors_total",
				Help: "Total HTTP errors by type and endpoint",
			},
			[]string{"error_type", "endpoint"}, // error_type: bad_request, store, timeout
		),
	}

	return m
}

// RecordReservation records a reservation attempt outcome
func (m *Metrics) RecordReservation(plan, outcome string) {
	m.ReservationsTotal.WithLabelValues(plan, outcome).Inc()
}

// RecordCASConflict records a compare-and-set round lost to a concurrent caller
func (m *Metrics) RecordCASConflict() {
	m.CASConflictsTotal.Inc()
}

// RecordReserveDuration records the duration of a non-blocking reserve call
func (m *Metrics) RecordReserveDuration(seconds float64) {
	m.ReserveDuration.Observe(seconds)
}

// RecordQueueJob records a completed wait-queue job
func (m *Metrics) RecordQueueJob(outcome string, waitSeconds float64) {
	m.QueueJobsTotal.WithLabelValues(outcome).Inc()
	m.QueueWaitDuration.Observe(waitSeconds)
}

// SetQueueDepth updates the pending job gauge
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordSweep records a maintenance sweep pass
func (m *Metrics) RecordSweep(sweep, status string) {
	m.SweepRunsTotal.WithLabelValues(sweep, status).Inc()
}

// SetKeyCount updates the key pool gauge for one status
func (m *Metrics) SetKeyCount(status string, count int) {
	m.KeysByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(errorType, endpoint string) {
	m.HTTPErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}
