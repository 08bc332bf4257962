package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "stage_executions_total",
		Help:      "Stage executions by outcome.",
	}, []string{"stage", "outcome"})

	stageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "stage_retries_total",
		Help:      "Retry attempts per stage.",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of stage attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})

	circuitOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "circuit_breaker_opens_total",
		Help:      "Times a stage circuit breaker opened.",
	}, []string{"stage"})

	llmCallsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "llm_calls_tracked_total",
		Help:      "LLM calls reconciled through the supervisor.",
	}, []string{"stage", "model"})

	hangingKills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "supervisor",
		Name:      "hanging_processes_killed_total",
		Help:      "Child processes terminated by the reaper.",
	})
)
