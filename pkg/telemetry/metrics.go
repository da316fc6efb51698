package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks accepted by the queue.",
	}, []string{"category", "priority"})

	QueueTasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "tasks_claimed_total",
		Help:      "Total claim operations that returned a task.",
	}, []string{"category"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks currently in a non-terminal state, labelled by status.",
	}, []string{"status"})

	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Total failed attempts returned to pending with backoff.",
	}, []string{"category"})

	QueueDeadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "dead_letter_total",
		Help:      "Total tasks parked after exhausting their retry budget.",
	}, []string{"category"})

	QueueLeasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "leases_expired_total",
		Help:      "Total claims revoked after a missed worker deadline.",
	})

	QueueRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "queue",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by the per-category limiter.",
	}, []string{"category"})

	// ─── Worker pool ─────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by category and result kind.",
	}, []string{"category", "result"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coscient",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "End-to-end handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"category"})

	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coscient",
		Subsystem: "worker",
		Name:      "pool_size",
		Help:      "Current number of worker goroutines.",
	})

	WorkerHeartbeatsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "worker",
		Name:      "heartbeats_missed_total",
		Help:      "Total liveness deadlines missed by workers.",
	})

	// ─── State store ─────────────────────────────────────────────────────────────

	StoreWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Total acknowledged writes, labelled by namespace.",
	}, []string{"namespace"})

	StoreReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "store",
		Name:      "reads_total",
		Help:      "Total reads, labelled by namespace.",
	}, []string{"namespace"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Total failed store operations, labelled by operation.",
	}, []string{"op"})

	// ─── Checkpoints ─────────────────────────────────────────────────────────────

	CheckpointDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coscient",
		Subsystem: "checkpoint",
		Name:      "duration_seconds",
		Help:      "Time to create or restore a checkpoint.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op", "status"})

	CheckpointsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "checkpoint",
		Name:      "pruned_total",
		Help:      "Total checkpoints removed by retention.",
	})

	// ─── Tournament ──────────────────────────────────────────────────────────────

	TournamentRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "tournament",
		Name:      "rounds_total",
		Help:      "Total tournament rounds committed.",
	})

	TournamentMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coscient",
		Subsystem: "tournament",
		Name:      "matches_total",
		Help:      "Total matches recorded, labelled by outcome.",
	}, []string{"outcome"})

	TournamentRatingSpread = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coscient",
		Subsystem: "tournament",
		Name:      "rating_spread",
		Help:      "Difference between the highest and lowest current rating.",
	})
)
