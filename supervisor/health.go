package supervisor

import (
	"time"
)

// StageHealth is the runtime counter set for one stage. Owned exclusively
// by the Supervisor; external agents never observe it.
type StageHealth struct {
	Executions         int        `json:"executions"`
	Failures           int        `json:"failures"`
	ConsecutiveFails   int        `json:"consecutive_failures"`
	LastFailure        *time.Time `json:"last_failure,omitempty"`
	CircuitOpen        bool       `json:"circuit_open"`
	CircuitOpenUntil   *time.Time `json:"circuit_open_until,omitempty"`
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`

	totalDuration float64
}

// HealthLevel is the overall supervisor verdict.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthFailing  HealthLevel = "failing"
	HealthCritical HealthLevel = "critical"
)

// recordSuccess folds one successful execution into the counters.
func (h *StageHealth) recordSuccess(duration time.Duration) {
	h.Executions++
	h.ConsecutiveFails = 0
	h.totalDuration += duration.Seconds()
	h.AvgDurationSeconds = h.totalDuration / float64(h.Executions)
}

// recordFailure folds one failed attempt in and opens the circuit when the
// threshold is crossed.
func (h *StageHealth) recordFailure(duration time.Duration, strategy RecoveryStrategy, now time.Time) {
	h.Executions++
	h.Failures++
	h.ConsecutiveFails++
	h.LastFailure = &now
	h.totalDuration += duration.Seconds()
	h.AvgDurationSeconds = h.totalDuration / float64(h.Executions)

	if h.ConsecutiveFails >= strategy.CircuitBreakerThreshold {
		until := now.Add(strategy.CircuitBreakerTimeout)
		h.CircuitOpen = true
		h.CircuitOpenUntil = &until
	}
}

// circuitOpen checks the breaker, closing it atomically once the open
// window has elapsed.
func (h *StageHealth) circuitOpen(now time.Time) bool {
	if !h.CircuitOpen {
		return false
	}
	if h.CircuitOpenUntil != nil && !now.Before(*h.CircuitOpenUntil) {
		h.CircuitOpen = false
		h.CircuitOpenUntil = nil
		h.ConsecutiveFails = 0
		return false
	}
	return true
}
