package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joblet_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joblet_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joblet_job_duration_seconds",
			Help:    "Wall-clock time from RUNNING to terminal, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joblet_scheduling_latency_seconds",
			Help:    "Time from admission eligibility to reservation, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joblet_worker_slots_in_use",
			Help: "Number of worker parallelism slots currently occupied",
		},
	)

	// Resource ledger metrics
	ReservedCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joblet_reserved_cores",
			Help: "Number of CPU cores currently reserved",
		},
	)

	ReservedMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joblet_reserved_memory_bytes",
			Help: "Bytes of memory currently reserved",
		},
	)

	ReservedGPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joblet_reserved_gpus",
			Help: "Number of GPU indices currently reserved",
		},
	)

	ReservationsDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_reservations_denied_total",
			Help: "Total number of reserve() calls that failed with Insufficient",
		},
	)

	// Sandbox build metrics
	SandboxBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "joblet_sandbox_build_duration_seconds",
			Help:    "Time to materialize a sandbox, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxBuildFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_sandbox_build_failures_total",
			Help: "Total number of sandbox builds that failed and were unwound",
		},
	)

	// Log bus metrics
	LogRecordsAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_log_records_appended_total",
			Help: "Total number of log records appended across all jobs",
		},
	)

	LogBusOverflowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_log_bus_overflows_total",
			Help: "Total number of subscribers disconnected for falling behind",
		},
	)

	LogBusSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "joblet_log_bus_subscribers",
			Help: "Number of active log stream subscribers",
		},
	)

	// Workflow metrics
	WorkflowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joblet_workflows_total",
			Help: "Total number of workflows by status",
		},
		[]string{"status"},
	)

	WorkflowStepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "joblet_workflow_step_retries_total",
			Help: "Total number of workflow step retry attempts submitted",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "joblet_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "joblet_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StreamSubscribersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "joblet_stream_subscribers",
			Help: "Number of active WebSocket stream subscribers by stream type",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobDuration,
		SchedulingLatency,
		WorkerSlotsInUse,
		ReservedCores,
		ReservedMemoryBytes,
		ReservedGPUs,
		ReservationsDeniedTotal,
		SandboxBuildDuration,
		SandboxBuildFailuresTotal,
		LogRecordsAppendedTotal,
		LogBusOverflowsTotal,
		LogBusSubscribers,
		WorkflowsTotal,
		WorkflowStepRetriesTotal,
		APIRequestsTotal,
		APIRequestDuration,
		StreamSubscribersTotal,
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

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
