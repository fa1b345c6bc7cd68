// Package observability holds the process-wide Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatcherTasks counts tasks executed by dispatcher owners, by
	// controller and task kind.
	DispatcherTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pifleet_dispatcher_tasks_total",
		Help: "Tasks executed by controller dispatchers",
	}, []string{"controller", "kind"})

	// DispatcherTaskDuration tracks how long a controller held its owner for
	// one task (streams count until the last chunk).
	DispatcherTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pifleet_dispatcher_task_duration_seconds",
		Help:    "Execution time of dispatcher tasks",
		Buckets: prometheus.DefBuckets,
	}, []string{"controller", "kind"})

	// DispatcherTimeouts counts reply reads that gave up waiting.
	DispatcherTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pifleet_dispatcher_timeouts_total",
		Help: "Reply reads that timed out (upstream unavailable)",
	}, []string{"controller"})

	// SchedulerQueueDepth is the number of tasks currently scheduled.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pifleet_scheduler_queue_depth",
		Help: "Current number of scheduled deferred tasks",
	})

	// SchedulerActions counts executed deferred actions by result.
	SchedulerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pifleet_scheduler_actions_total",
		Help: "Deferred actions executed",
	}, []string{"result"})

	// SchedulerCancellations counts cancel-all requests.
	SchedulerCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pifleet_scheduler_cancellations_total",
		Help: "Cancel-all control messages processed",
	})

	// StreamChunks counts data chunks produced per source controller.
	StreamChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pifleet_stream_chunks_total",
		Help: "Telemetry chunks produced, by source controller",
	}, []string{"controller"})

	// StreamHeartbeats counts idle markers injected into streams.
	StreamHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pifleet_stream_heartbeats_total",
		Help: "Idle liveness markers emitted on telemetry streams",
	})

	// JournalErrors counts failed journal operations (best-effort, never
	// fatal).
	JournalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pifleet_journal_errors_total",
		Help: "Journal operation failures, by operation",
	}, []string{"op"})
)
