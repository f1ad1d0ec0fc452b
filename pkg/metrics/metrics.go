// Package metrics provides Prometheus metrics for Meridian.
//
// # Overview
//
// Metrics are grouped by subsystem:
//   - pool: connection acquisition, waits, timeouts and evictions per backend
//   - scan: batches and rows produced by connector scans
//   - planner: push-down decisions per operator
//   - flight: sessions and batches streamed by the Flight server
//
// # Basic Usage
//
//	timer := metrics.NewTimer()
//	lease, err := p.Acquire(ctx, timeout)
//	metrics.PoolAcquireDuration.WithLabelValues(backend).Observe(timer.Stop().Seconds())
//
// All metrics are registered with the default Prometheus registry through
// promauto and are served by promhttp in the serve command.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolAcquireDuration tracks how long callers wait in Acquire.
	// Labels: backend (pool name)
	PoolAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_pool_acquire_duration_seconds",
			Help:    "Time spent acquiring a pooled connection",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"backend"},
	)

	// PoolConnections tracks connections by state.
	// Labels: backend, state (idle/leased)
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_pool_connections",
			Help: "Number of pooled connections by state",
		},
		[]string{"backend", "state"},
	)

	// PoolWaiters tracks callers blocked in Acquire.
	PoolWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_pool_waiters",
			Help: "Number of callers waiting for a pooled connection",
		},
		[]string{"backend"},
	)

	// PoolEvents counts pool lifecycle events.
	// Labels: backend, event (created/evicted/probe_failed/timeout/connect_failed)
	PoolEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_pool_events_total",
			Help: "Pool lifecycle events",
		},
		[]string{"backend", "event"},
	)

	// ScanBatches counts record batches produced by connector scans.
	// Labels: connector kind, dataset
	ScanBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_scan_batches_total",
			Help: "Record batches produced by connector scans",
		},
		[]string{"kind", "dataset"},
	)

	// ScanRows counts rows produced by connector scans.
	ScanRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_scan_rows_total",
			Help: "Rows produced by connector scans",
		},
		[]string{"kind", "dataset"},
	)

	// ScanErrors counts scans terminated by an error.
	// Labels: kind, error_type
	ScanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_scan_errors_total",
			Help: "Scans terminated by an error",
		},
		[]string{"kind", "error_type"},
	)

	// PushdownDecisions counts planner decisions.
	// Labels: operator (filter/projection/limit/sort/aggregate), outcome (pushed/rejected)
	PushdownDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_pushdown_decisions_total",
			Help: "Push-down decisions taken by the federation planner",
		},
		[]string{"operator", "outcome"},
	)

	// FlightSessions tracks in-flight Flight sessions.
	// Labels: method (DoGet/DoPut)
	FlightSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_flight_sessions",
			Help: "Active Flight sessions",
		},
		[]string{"method"},
	)

	// FlightBatches counts batches moved over Flight.
	// Labels: method, status (ok/error/canceled)
	FlightBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_flight_batches_total",
			Help: "Record batches sent or received over Flight",
		},
		[]string{"method"},
	)

	// FlightSessionDuration tracks session duration by terminal status.
	FlightSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_flight_session_duration_seconds",
			Help:    "Duration of Flight sessions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called more
// than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
