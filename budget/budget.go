// Package budget enforces daily and monthly cost limits on LLM usage.
// A call that would exceed a limit is rejected before any provider request
// is made; actual cost is reconciled after the response.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// ModelRate is the per-1k-token pricing for one model.
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// ErrBudgetExceeded is returned when a projected or recorded cost would
// push a window over its limit. The caller must not make the call.
type ErrBudgetExceeded struct {
	Window    string  // "daily" or "monthly"
	Projected float64 // cost after the rejected call
	Limit     float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: projected %s cost $%.4f over limit $%.4f",
		e.Window, e.Projected, e.Limit)
}

// IsBudgetExceeded reports whether err is a budget rejection.
func IsBudgetExceeded(err error) bool {
	_, ok := err.(*ErrBudgetExceeded)
	return ok
}

// Tracker accumulates LLM cost against daily and monthly windows.
// All methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	totalCost   float64
	dailyCost   float64
	monthlyCost float64

	dailyLimit   float64
	monthlyLimit float64

	rates       map[string]ModelRate
	defaultRate ModelRate

	dailyResetAt   time.Time
	monthlyResetAt time.Time

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRates sets per-model pricing.
func WithRates(rates map[string]ModelRate) Option {
	return func(t *Tracker) {
		t.rates = rates
	}
}

// WithDefaultRate sets the rate used for models without explicit pricing.
func WithDefaultRate(rate ModelRate) Option {
	return func(t *Tracker) {
		t.defaultRate = rate
	}
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a cost tracker. A zero limit means unlimited.
func NewTracker(dailyLimit, monthlyLimit float64, opts ...Option) *Tracker {
	t := &Tracker{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		rates:        make(map[string]ModelRate),
		defaultRate:  ModelRate{InputPer1K: 0.003, OutputPer1K: 0.015},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	n := t.now()
	t.dailyResetAt = nextDay(n)
	t.monthlyResetAt = nextMonth(n)
	return t
}

// CostOf computes the cost of a call from token counts. Pure function of
// the configured rates.
func (t *Tracker) CostOf(tokensInput, tokensOutput int, model string) float64 {
	t.mu.Lock()
	rate, ok := t.rates[model]
	if !ok {
		rate = t.defaultRate
	}
	t.mu.Unlock()

	return float64(tokensInput)/1000*rate.InputPer1K +
		float64(tokensOutput)/1000*rate.OutputPer1K
}

// Reserve checks that a projected cost fits within the remaining budget.
// It does not record anything; Record must be called after the real call.
func (t *Tracker) Reserve(projectedCost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if t.dailyLimit > 0 && t.dailyCost+projectedCost > t.dailyLimit {
		return &ErrBudgetExceeded{Window: "daily", Projected: t.dailyCost + projectedCost, Limit: t.dailyLimit}
	}
	if t.monthlyLimit > 0 && t.monthlyCost+projectedCost > t.monthlyLimit {
		return &ErrBudgetExceeded{Window: "monthly", Projected: t.monthlyCost + projectedCost, Limit: t.monthlyLimit}
	}
	return nil
}

// Record charges an actual cost to the tracker. It fails before applying
// if the mutation would violate a limit.
func (t *Tracker) Record(cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if t.dailyLimit > 0 && t.dailyCost+cost > t.dailyLimit {
		return &ErrBudgetExceeded{Window: "daily", Projected: t.dailyCost + cost, Limit: t.dailyLimit}
	}
	if t.monthlyLimit > 0 && t.monthlyCost+cost > t.monthlyLimit {
		return &ErrBudgetExceeded{Window: "monthly", Projected: t.monthlyCost + cost, Limit: t.monthlyLimit}
	}

	t.totalCost += cost
	t.dailyCost += cost
	t.monthlyCost += cost
	return nil
}

// ForceRecord applies a cost that has already been incurred, bypassing the
// limit check. Used for post-call reconciliation: the guard runs before the
// call, but the provider's actual token counts are only known after.
func (t *Tracker) ForceRecord(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	t.totalCost += cost
	t.dailyCost += cost
	t.monthlyCost += cost
}

// RecordTokens charges the cost of a token usage pair for a model.
func (t *Tracker) RecordTokens(tokensInput, tokensOutput int, model string) error {
	return t.Record(t.CostOf(tokensInput, tokensOutput, model))
}

// Snapshot is a point-in-time view of the tracker state.
type Snapshot struct {
	TotalCost      float64   `json:"total_cost"`
	DailyCost      float64   `json:"daily_cost"`
	MonthlyCost    float64   `json:"monthly_cost"`
	DailyLimit     float64   `json:"daily_limit"`
	MonthlyLimit   float64   `json:"monthly_limit"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
}

// Stats returns the current tracker state.
func (t *Tracker) Stats() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	return Snapshot{
		TotalCost:      t.totalCost,
		DailyCost:      t.dailyCost,
		MonthlyCost:    t.monthlyCost,
		DailyLimit:     t.dailyLimit,
		MonthlyLimit:   t.monthlyLimit,
		DailyResetAt:   t.dailyResetAt,
		MonthlyResetAt: t.monthlyResetAt,
	}
}

// rolloverLocked resets windows whose reset time has passed.
// Caller must hold t.mu.
func (t *Tracker) rolloverLocked() {
	n := t.now()
	if !n.Before(t.dailyResetAt) {
		t.dailyCost = 0
		t.dailyResetAt = nextDay(n)
	}
	if !n.Before(t.monthlyResetAt) {
		t.monthlyCost = 0
		t.monthlyResetAt = nextMonth(n)
	}
}

func nextDay(n time.Time) time.Time {
	y, m, d := n.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, n.Location()).AddDate(0, 0, 1)
}

func nextMonth(n time.Time) time.Time {
	y, m, _ := n.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, n.Location()).AddDate(0, 1, 0)
}
