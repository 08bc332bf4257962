package supervisor

import "time"

// FallbackFunc produces a substitute result after retries are exhausted.
type FallbackFunc func() map[string]any

// RecoveryStrategy controls how one stage is retried, timed out, and
// circuit-broken.
type RecoveryStrategy struct {
	MaxRetries              int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay              time.Duration `json:"retry_delay" yaml:"retry_delay"`
	BackoffMultiplier       float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Timeout                 time.Duration `json:"timeout" yaml:"timeout"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`
	Fallback                FallbackFunc  `json:"-" yaml:"-"`
}

// DefaultStrategy is applied to stages never registered explicitly.
func DefaultStrategy() RecoveryStrategy {
	return RecoveryStrategy{
		MaxRetries:              3,
		RetryDelay:              2 * time.Second,
		BackoffMultiplier:       2.0,
		Timeout:                 5 * time.Minute,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   time.Minute,
	}
}

// defaultStageStrategies tunes the stock strategy per pipeline stage.
// Development gets the longest timeout since it fans out LLM workers;
// dependencies gets no retries because its failure is a hard block.
func defaultStageStrategies() map[string]RecoveryStrategy {
	base := DefaultStrategy()

	withTimeout := func(d time.Duration) RecoveryStrategy {
		s := base
		s.Timeout = d
		return s
	}

	development := withTimeout(10 * time.Minute)

	dependencies := withTimeout(time.Minute)
	dependencies.MaxRetries = 1

	return map[string]RecoveryStrategy{
		"analysis":     withTimeout(2 * time.Minute),
		"architecture": withTimeout(3 * time.Minute),
		"dependencies": dependencies,
		"development":  development,
		"review":       withTimeout(3 * time.Minute),
		"validation":   withTimeout(2 * time.Minute),
		"arbitration":  base,
		"integration":  withTimeout(3 * time.Minute),
		"testing":      withTimeout(5 * time.Minute),
	}
}

func (s RecoveryStrategy) withDefaults() RecoveryStrategy {
	defaults := DefaultStrategy()
	if s.RetryDelay <= 0 {
		s.RetryDelay = defaults.RetryDelay
	}
	if s.BackoffMultiplier < 1 {
		s.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if s.Timeout <= 0 {
		s.Timeout = defaults.Timeout
	}
	if s.CircuitBreakerThreshold <= 0 {
		s.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if s.CircuitBreakerTimeout <= 0 {
		s.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	return s
}

// backoffDelay computes the wait before retry attempt n (0-based).
func (s RecoveryStrategy) backoffDelay(attempt int) time.Duration {
	delay := float64(s.RetryDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.BackoffMultiplier
	}
	return time.Duration(delay)
}
