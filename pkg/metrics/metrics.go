package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enclave_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_task_transitions_total",
			Help: "Total number of task state transitions by from/to state",
		},
		[]string{"from", "to"},
	)

	FunctionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_functions_total",
			Help: "Total number of registered functions",
		},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_users_total",
			Help: "Total number of registered users",
		},
	)

	// Scheduler metrics
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enclave_scheduler_task_queue_depth",
			Help: "Number of staged tasks waiting for an executor",
		},
	)

	SchedulerExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enclave_scheduler_executors_total",
			Help: "Number of known executors by status",
		},
		[]string{"status"},
	)

	SchedulerIngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enclave_scheduler_ingest_duration_seconds",
			Help:    "Time taken by one scheduler ingest-loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutorTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_scheduler_executor_timeouts_total",
			Help: "Total number of tasks failed due to executor heartbeat timeout",
		},
	)

	TasksCanceledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_scheduler_tasks_canceled_total",
			Help: "Total number of tasks canceled via the Stop command",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_api_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enclave_api_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage engine metrics
	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclave_storage_compactions_total",
			Help: "Total number of compactions by kind (minor, major, trivial_move)",
		},
		[]string{"kind"},
	)

	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enclave_storage_compaction_duration_seconds",
			Help:    "Compaction duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BlockCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_storage_block_cache_hits_total",
			Help: "Total number of block cache hits",
		},
	)

	BlockCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclave_storage_block_cache_misses_total",
			Help: "Total number of block cache misses",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskTransitionsTotal)
	prometheus.MustRegister(FunctionsTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(SchedulerQueueDepth)
	prometheus.MustRegister(SchedulerExecutorsTotal)
	prometheus.MustRegister(SchedulerIngestDuration)
	prometheus.MustRegister(ExecutorTimeoutsTotal)
	prometheus.MustRegister(TasksCanceledTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(BlockCacheHitsTotal)
	prometheus.MustRegister(BlockCacheMissesTotal)
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
