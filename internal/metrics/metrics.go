// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Acquire results used as the "result" label of LockAcquireTotal.
const (
	ResultAcquired   = "acquired"
	ResultWouldBlock = "would_block"
	ResultTimeout    = "timeout"
	ResultCanceled   = "canceled"
	ResultUnknown    = "unknown_name"
	ResultIOError    = "io_error"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the admin API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LockAcquireTotal counts acquire attempts by outcome.
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_acquire_total",
			Help: "Total number of lock acquire attempts by result.",
		},
		[]string{"lock_name", "result"},
	)

	// LockWaitSeconds observes how long acquire calls took, successful or not.
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flock_acquire_wait_seconds",
			Help:    "Time spent inside acquire before it returned.",
			Buckets: []float64{.0001, .001, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"lock_name"},
	)

	// LocksHeld is 1 while this process holds the named lock.
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flock_held",
			Help: "Whether this process currently holds the lock. 1 if held, 0 otherwise.",
		},
		[]string{"lock_name"},
	)

	// TaskRunsTotal counts lock-guarded task runs by status (success/failed/skipped).
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flock_task_runs_total",
			Help: "Total number of lock-guarded task runs.",
		},
		[]string{"task_name", "status"},
	)
)
