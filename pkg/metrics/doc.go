/*
Package metrics provides Prometheus metrics collection and exposition for
the confidential task platform.

The metrics package defines and registers all metrics using the
Prometheus client library, providing observability into task lifecycle
progress, scheduler queue depth and executor liveness, RPC traffic, and
storage-engine compaction activity. Metrics are exposed via an HTTP
endpoint for scraping by Prometheus servers.

# Metrics catalog

Task lifecycle:

	enclave_tasks_total{status}                    Gauge   tasks currently in each status
	enclave_task_transitions_total{from,to}        Counter state-machine transitions taken
	enclave_functions_total                        Gauge   registered functions
	enclave_users_total                            Gauge   registered users

Scheduler:

	enclave_scheduler_task_queue_depth             Gauge   staged tasks awaiting an executor
	enclave_scheduler_executors_total{status}      Gauge   known executors by Idle/Executing
	enclave_scheduler_ingest_duration_seconds      Histogram  one ingest-loop tick
	enclave_scheduler_executor_timeouts_total      Counter tasks failed by heartbeat-timeout sweep
	enclave_scheduler_tasks_canceled_total         Counter tasks canceled via the Stop command

Service Fabric (RPC):

	enclave_api_requests_total{method,status}      Counter RPC calls by method and outcome
	enclave_api_request_duration_seconds{method}   Histogram  RPC handler latency

Storage engine:

	enclave_storage_compactions_total{kind}           Counter minor/major/trivial_move compactions
	enclave_storage_compaction_duration_seconds{kind} Histogram  compaction latency
	enclave_storage_block_cache_hits_total            Counter block cache hits
	enclave_storage_block_cache_misses_total          Counter block cache misses

# Usage

Exposing the handler:

	mux.Handle("/metrics", metrics.Handler())

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerIngestDuration)

Timing a labeled operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, method)

# Health probes

Alongside the scrape endpoint, the package serves liveness/readiness
from registered probes. A probe is a closure owned by the component it
reports on, evaluated live on every request:

	metrics.RegisterProbe("scheduler", true, func() (bool, string) {
		age := time.Since(sched.LastIngestTick())
		if age > 3*scheduler.IngestInterval {
			return false, fmt.Sprintf("last ingest tick %s ago", age)
		}
		return true, ""
	})

Critical probes gate /ready; every probe feeds /health; /live only
confirms the process serves HTTP.

# Design

All metrics are package-level variables registered in init() against the
default Prometheus registry; there is no per-request allocation of
metric objects. Counters only
increase; gauges are set or incremented/decremented from the subsystem
that owns the underlying state (pkg/scheduler owns queue depth and
executor counts; pkg/storage owns compaction and cache counters).
*/
package metrics
