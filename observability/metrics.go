// Package observability carries the orchestrator's structured logging
// and metrics surface. Metric naming and promauto registration style
// are grounded field-for-field on the teacher's observability/metrics.go
// (flux_* -> swarm_*); the package additionally implements the
// orchestrator's Emit(event) adapter interface (spec §6), something the
// teacher itself never formalized as a pluggable contract.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_queue_depth",
		Help: "Current number of tasks in the scheduling queue, by priority tier",
	}, []string{"priority"})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made, by policy",
	}, []string{"policy"})

	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_queue_oldest_task_age_seconds",
		Help: "Age of the oldest queued task, by priority tier",
	}, []string{"priority"})

	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_scheduler_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"state"})

	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_scheduler_rejections_total",
		Help: "Tasks rejected at admission, by reason",
	}, []string{"reason"}) // circuit_open, queue_full, rate_limited

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	TaskSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_task_success_total",
		Help: "Total number of successfully completed tasks",
	})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_task_failures_total",
		Help: "Total number of terminally failed tasks, by terminal status",
	}, []string{"status"}) // TaskFailed, TaskTimedOut, TaskCancelled, TaskCascadeFailed

	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_worker_pool_saturation",
		Help: "Mean fraction of concurrency capacity in use across live workers",
	})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_worker_restarts_total",
		Help: "Total number of worker restarts, by worker id",
	}, []string{"worker_id"})

	WorkerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_worker_count",
		Help: "Current number of workers, by lifecycle state",
	}, []string{"state"})

	KnowledgeEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarm_knowledge_entries",
		Help: "Current number of live knowledge entries",
	})

	KnowledgeEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swarm_knowledge_evictions_total",
		Help: "Total number of knowledge entries evicted for capacity",
	})

	ConsensusSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_consensus_sessions_total",
		Help: "Total consensus sessions finalized, by outcome",
	}, []string{"status"}) // approved, rejected, timeout

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_events_dropped_total",
		Help: "Total events dropped due to a full subscriber buffer",
	}, []string{"subscriber"})

	CheckpointSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_checkpoint_saves_total",
		Help: "Total checkpoint save attempts, by outcome",
	}, []string{"outcome"}) // success, error

	OrchestratorState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_orchestrator_state",
		Help: "Current orchestrator lifecycle state (1=active for the labeled state)",
	}, []string{"state"})
)
