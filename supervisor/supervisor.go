// Package supervisor wraps stage execution with retries, per-attempt
// timeouts, circuit breakers, process health monitoring, and the cost and
// sandbox guards. It owns all StageHealth state and the budget tracker.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/budget"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/sandbox"
)

// StageFunc is one stage attempt. The context carries the per-attempt
// timeout; implementations must observe it at blocking boundaries.
type StageFunc func(ctx context.Context) (map[string]any, error)

// Outcome statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// ReasonCircuitOpen marks a stage skipped because its breaker is open.
const ReasonCircuitOpen = "circuit_breaker_open"

// Outcome is the supervised verdict of one stage execution.
type Outcome struct {
	Status       string         `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Err          error          `json:"-"`
	Attempts     int            `json:"attempts"`
	FallbackUsed bool           `json:"fallback_used,omitempty"`
}

// llmStats aggregates gateway calls reconciled through the supervisor.
type llmStats struct {
	Calls        int            `json:"calls"`
	TokensInput  int            `json:"tokens_input"`
	TokensOutput int            `json:"tokens_output"`
	TotalCost    float64        `json:"total_cost"`
	CallsByStage map[string]int `json:"calls_by_stage"`
}

// Supervisor coordinates recovery for every stage of a run.
type Supervisor struct {
	logger    *slog.Logger
	budget    *budget.Tracker
	sandbox   *sandbox.Executor
	artifacts *artifact.Store
	gateway   *llm.Client
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	strategies map[string]RecoveryStrategy
	health     map[string]*StageHealth
	llm        llmStats

	reaper *reaper
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithBudget attaches the cost tracker the supervisor owns.
func WithBudget(tracker *budget.Tracker) Option {
	return func(s *Supervisor) {
		s.budget = tracker
	}
}

// WithSandbox attaches the executor behind ExecuteCodeSafely.
func WithSandbox(exec *sandbox.Executor) Option {
	return func(s *Supervisor) {
		s.sandbox = exec
	}
}

// WithArtifacts attaches the store used for unexpected-state learning.
func WithArtifacts(store *artifact.Store) Option {
	return func(s *Supervisor) {
		s.artifacts = store
	}
}

// WithGateway attaches the LLM client used to synthesize recovery
// workflows.
func WithGateway(client *llm.Client) Option {
	return func(s *Supervisor) {
		s.gateway = client
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

// WithSleep overrides the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// New creates a supervisor with the stock per-stage strategies.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		strategies: defaultStageStrategies(),
		health:     map[string]*StageHealth{},
		llm:        llmStats{CallsByStage: map[string]int{}},
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reaper = newReaper(s.logger)
	return s
}

// RegisterStage installs or replaces the recovery strategy for a stage.
func (s *Supervisor) RegisterStage(stageName string, strategy RecoveryStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[stageName] = strategy.withDefaults()
}

// Budget exposes the tracker for the LLM Gateway to enforce limits with.
func (s *Supervisor) Budget() *budget.Tracker {
	return s.budget
}

// ExecuteWithSupervision runs a stage under its recovery strategy: circuit
// check, per-attempt timeout, exponential backoff between retries, and the
// fallback action once retries are exhausted.
func (s *Supervisor) ExecuteWithSupervision(ctx context.Context, stageName string, fn StageFunc) *Outcome {
	strategy := s.strategyFor(stageName)

	if s.checkCircuit(stageName) {
		s.logger.Warn("Stage skipped, circuit breaker open", "stage", stageName)
		stageExecutions.WithLabelValues(stageName, StatusSkipped).Inc()
		outcome := &Outcome{Status: StatusSkipped, Reason: ReasonCircuitOpen}
		if strategy.Fallback != nil {
			outcome.Output = strategy.Fallback()
			outcome.FallbackUsed = true
		}
		return outcome
	}

	var lastErr error
	for attempt := 0; attempt <= strategy.MaxRetries; attempt++ {
		if attempt > 0 {
			stageRetries.WithLabelValues(stageName).Inc()
			delay := strategy.backoffDelay(attempt - 1)
			s.logger.Info("Retrying stage",
				"stage", stageName,
				"attempt", attempt+1,
				"delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		output, err := s.runAttempt(ctx, stageName, strategy, fn)
		if err == nil {
			stageExecutions.WithLabelValues(stageName, StatusCompleted).Inc()
			return &Outcome{Status: StatusCompleted, Output: output, Attempts: attempt + 1}
		}
		lastErr = err

		if llm.IsFatal(err) {
			s.logger.Error("Stage failed with non-retryable error",
				"stage", stageName, "error", err)
			break
		}
		if s.checkCircuit(stageName) {
			// The breaker opened during this attempt's failure; stop
			// burning retries against a tripped stage.
			break
		}
	}

	if strategy.Fallback != nil {
		s.logger.Warn("Stage falling back after exhausting retries",
			"stage", stageName, "error", lastErr)
		stageExecutions.WithLabelValues(stageName, StatusCompleted).Inc()
		return &Outcome{
			Status:       StatusCompleted,
			Reason:       "fallback_after_retries",
			Output:       strategy.Fallback(),
			FallbackUsed: true,
			Err:          lastErr,
		}
	}

	stageExecutions.WithLabelValues(stageName, StatusFailed).Inc()
	return &Outcome{Status: StatusFailed, Err: lastErr, Attempts: strategy.MaxRetries + 1}
}

// runAttempt executes one attempt under the per-attempt timeout and folds
// the result into the stage's health counters.
func (s *Supervisor) runAttempt(ctx context.Context, stageName string, strategy RecoveryStrategy, fn StageFunc) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, strategy.Timeout)
	defer cancel()

	start := s.now()
	output, err := fn(attemptCtx)
	duration := s.now().Sub(start)
	stageDuration.WithLabelValues(stageName).Observe(duration.Seconds())

	if err == nil && attemptCtx.Err() != nil {
		err = fmt.Errorf("stage %s timed out after %s", stageName, strategy.Timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthLocked(stageName)
	if err != nil {
		wasOpen := h.CircuitOpen
		h.recordFailure(duration, strategy, s.now())
		if h.CircuitOpen && !wasOpen {
			circuitOpens.WithLabelValues(stageName).Inc()
			s.logger.Warn("Circuit breaker opened",
				"stage", stageName,
				"consecutive_failures", h.ConsecutiveFails,
				"open_until", h.CircuitOpenUntil)
		}
		return nil, err
	}
	h.recordSuccess(duration)
	return output, nil
}

// TrackLLMCall records a gateway call for statistics. The gateway itself
// reconciles cost into the budget tracker; this keeps the supervisor's
// observability view, not a second charge.
func (s *Supervisor) TrackLLMCall(model, provider string, tokensInput, tokensOutput int, stageName, purpose string) {
	var cost float64
	if s.budget != nil {
		cost = s.budget.CostOf(tokensInput, tokensOutput, model)
	}

	s.mu.Lock()
	s.llm.Calls++
	s.llm.TokensInput += tokensInput
	s.llm.TokensOutput += tokensOutput
	s.llm.TotalCost += cost
	s.llm.CallsByStage[stageName]++
	s.mu.Unlock()

	llmCallsTracked.WithLabelValues(stageName, model).Inc()
	s.logger.Debug("LLM call tracked",
		"model", model,
		"provider", provider,
		"stage", stageName,
		"purpose", purpose,
		"tokens_input", tokensInput,
		"tokens_output", tokensOutput)
}

// ExecuteCodeSafely runs generated code through the sandbox with default
// limits.
func (s *Supervisor) ExecuteCodeSafely(ctx context.Context, code, language string, scanSecurity bool) (*sandbox.Result, error) {
	if s.sandbox == nil {
		return nil, fmt.Errorf("no sandbox executor configured")
	}
	return s.sandbox.Execute(ctx, code, language, sandbox.DefaultLimits(), scanSecurity)
}

// StageHealthSnapshot returns a copy of one stage's counters.
func (s *Supervisor) StageHealthSnapshot(stageName string) StageHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healthLocked(stageName)
	h.circuitOpen(s.now())
	return *h
}

// HealthStatus grades the whole run from open circuits and recent
// failures.
func (s *Supervisor) HealthStatus() HealthLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	openCircuits := 0
	recentFailures := 0
	for _, h := range s.health {
		if h.circuitOpen(now) {
			openCircuits++
		}
		if h.LastFailure != nil && now.Sub(*h.LastFailure) < 5*time.Minute {
			recentFailures += h.ConsecutiveFails
		}
	}

	switch {
	case openCircuits >= 2:
		return HealthCritical
	case openCircuits == 1:
		return HealthFailing
	case recentFailures > 0:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Statistics is the supervisor's observability snapshot.
type Statistics struct {
	Health    HealthLevel            `json:"health"`
	Stages    map[string]StageHealth `json:"stages"`
	LLMCalls  int                    `json:"llm_calls"`
	TokensIn  int                    `json:"tokens_input"`
	TokensOut int                    `json:"tokens_output"`
	TotalCost float64                `json:"total_cost"`
	Budget    *budget.Snapshot       `json:"budget,omitempty"`
}

// Statistics returns a copy of all runtime counters.
func (s *Supervisor) Statistics() *Statistics {
	health := s.HealthStatus()

	s.mu.Lock()
	stats := &Statistics{
		Health:    health,
		Stages:    make(map[string]StageHealth, len(s.health)),
		LLMCalls:  s.llm.Calls,
		TokensIn:  s.llm.TokensInput,
		TokensOut: s.llm.TokensOutput,
		TotalCost: s.llm.TotalCost,
	}
	for name, h := range s.health {
		stats.Stages[name] = *h
	}
	s.mu.Unlock()

	if s.budget != nil {
		snapshot := s.budget.Stats()
		stats.Budget = &snapshot
	}
	return stats
}

// PrintHealthReport logs a human-readable health summary and returns it.
func (s *Supervisor) PrintHealthReport() string {
	stats := s.Statistics()

	var b strings.Builder
	fmt.Fprintf(&b, "supervisor health: %s\n", stats.Health)
	fmt.Fprintf(&b, "llm calls: %d (in=%d out=%d cost=$%.4f)\n",
		stats.LLMCalls, stats.TokensIn, stats.TokensOut, stats.TotalCost)

	names := make([]string, 0, len(stats.Stages))
	for name := range stats.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := stats.Stages[name]
		fmt.Fprintf(&b, "  %-14s exec=%d fail=%d avg=%.1fs circuit_open=%t\n",
			name, h.Executions, h.Failures, h.AvgDurationSeconds, h.CircuitOpen)
	}

	report := b.String()
	s.logger.Info("Supervisor health report", "health", stats.Health)
	return report
}

func (s *Supervisor) strategyFor(stageName string) RecoveryStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy, ok := s.strategies[stageName]; ok {
		return strategy
	}
	return DefaultStrategy()
}

func (s *Supervisor) checkCircuit(stageName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthLocked(stageName).circuitOpen(s.now())
}

func (s *Supervisor) healthLocked(stageName string) *StageHealth {
	h, ok := s.health[stageName]
	if !ok {
		h = &StageHealth{}
		s.health[stageName] = h
	}
	return h
}
