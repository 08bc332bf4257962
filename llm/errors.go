package llm

import (
	"errors"
	"time"
)

// Error types for classifying LLM errors. The supervisor's retry policy
// reacts to the classification, so provider errors must propagate wrapped
// rather than flattened.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// RateLimitError is a transient error carrying the provider's retry hint.
type RateLimitError struct {
	err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.err.Error() }

func (e *RateLimitError) Unwrap() error { return e.err }

// NewRateLimitError wraps a rate-limit rejection with its retry-after hint.
func NewRateLimitError(err error, retryAfter time.Duration) error {
	return &RateLimitError{err: err, RetryAfter: retryAfter}
}

// IsTransient returns true if the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var rateLimited *RateLimitError
	return errors.As(err, &rateLimited)
}

// IsFatal returns true if the error is permanent and must not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// RetryAfterHint extracts the rate-limit retry hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter, true
	}
	return 0, false
}
