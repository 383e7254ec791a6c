// Package metrics declares dispatchd's Prometheus instrumentation and a
// small Timer helper for observing stage durations, following the
// declare-then-register pattern used throughout this codebase.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_tasks_running",
			Help: "Number of tasks currently occupying a capacity slot",
		},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_submitted_total",
			Help: "Total submissions by admission outcome",
		},
		[]string{"outcome"},
	)

	TasksTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_terminal_total",
			Help: "Total tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	AdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_admission_duration_seconds",
			Help:    "Time to verify an inbound signed request",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkspaceAllocateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_workspace_allocate_duration_seconds",
			Help:    "Time to allocate a workspace",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_worker_run_duration_seconds",
			Help:    "Wall-clock time the worker subprocess ran",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	GuardEvaluateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_guard_evaluate_duration_seconds",
			Help:    "Time spent in the sensitive-file guard",
			Buckets: prometheus.DefBuckets,
		},
	)

	SensitiveFilesRevertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_sensitive_files_reverted_total",
			Help: "Total sensitive files reverted across all tasks",
		},
	)

	SensitiveRevertFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_sensitive_revert_failures_total",
			Help: "Total sensitive files that could not be reverted",
		},
	)

	CallbackDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_callback_delivered_total",
			Help: "Total callback envelopes accepted by a submitter (2xx)",
		},
		[]string{"status"},
	)

	CallbackRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_callback_retries_total",
			Help: "Total callback delivery retry attempts",
		},
	)

	CallbackDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_callback_dropped_total",
			Help: "Total non-terminal callback events dropped after retry exhaustion",
		},
	)

	NonceCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_nonce_cache_size",
			Help: "Current number of entries in the nonce replay cache",
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_reconciliation_cycles_total",
			Help: "Total janitor reconciliation cycles run",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_reconciliation_duration_seconds",
			Help:    "Time spent in one janitor reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrphanedWorkspacesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_orphaned_workspaces_swept_total",
			Help: "Total orphaned workspace directories removed by the janitor",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksRunning,
		TasksSubmittedTotal,
		TasksTerminalTotal,
		AdmissionDuration,
		WorkspaceAllocateDuration,
		WorkerRunDuration,
		GuardEvaluateDuration,
		SensitiveFilesRevertedTotal,
		SensitiveRevertFailuresTotal,
		CallbackDeliveredTotal,
		CallbackRetriesTotal,
		CallbackDroppedTotal,
		NonceCacheSize,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		OrphanedWorkspacesSweptTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
