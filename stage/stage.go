// Package stage provides the template lifecycle every pipeline stage runs
// through: announce, set up, execute, store the result, notify, tear down.
// Concrete stages implement Run and may override individual phases.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/sandbox"
)

// Stage is the contract every pipeline stage implements. Run returns the
// output keys to merge into the pipeline context; it must not mutate the
// context directly.
type Stage interface {
	Name() string
	Run(ctx context.Context, c *card.Card, pctx *Context) (map[string]any, error)
}

// Optional phase overrides a stage may implement alongside Stage.
type (
	// SetupStage pulls prerequisite keys out of the context before Run.
	SetupStage interface {
		Setup(pctx *Context) error
	}
	// ResultStorer replaces the default artifact persistence.
	ResultStorer interface {
		StoreResult(c *card.Card, output map[string]any) ([]string, error)
	}
	// TeardownStage releases per-stage resources after Run.
	TeardownStage interface {
		Teardown(success bool)
	}
)

// Deps carries the shared services a stage can use. Individual fields may
// be nil in tests; the runner degrades gracefully (no bus means no
// notifications, no store means no artifact persistence).
type Deps struct {
	Bus       *messaging.Bus
	Artifacts *artifact.Store
	LLM       *llm.Client
	Sandbox   *sandbox.Executor
	Logger    *slog.Logger

	// AgentName identifies the pipeline on the bus.
	AgentName string
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Result is the framework's verdict on one stage execution.
type Result struct {
	StageName       string
	Success         bool
	Output          map[string]any
	ArtifactIDs     []string
	Err             error
	DurationSeconds float64
	StartTime       time.Time
	EndTime         time.Time
}

// Runner drives a stage through the template lifecycle. A failure in any
// phase is caught once and converted into an unsuccessful Result; callers
// decide whether to retry.
type Runner struct {
	deps Deps
}

// NewRunner creates a lifecycle runner around shared dependencies.
func NewRunner(deps Deps) *Runner {
	if deps.AgentName == "" {
		deps.AgentName = "orchestrator"
	}
	return &Runner{deps: deps}
}

// Execute runs one stage through the full lifecycle.
func (r *Runner) Execute(ctx context.Context, s Stage, c *card.Card, pctx *Context) *Result {
	result := &Result{StageName: s.Name(), StartTime: time.Now().UTC()}

	r.logStart(s, c)
	r.notify(s, c, messaging.TypeNotification, map[string]any{
		"type":  "stage_started",
		"stage": s.Name(),
	})

	err := r.runPhases(ctx, s, c, pctx, result)

	result.EndTime = time.Now().UTC()
	result.DurationSeconds = result.EndTime.Sub(result.StartTime).Seconds()
	result.Success = err == nil
	result.Err = err

	if err != nil {
		r.deps.logger().Error("Stage failed",
			"stage", s.Name(),
			"card_id", c.CardID,
			"duration_seconds", result.DurationSeconds,
			"error", err)
		r.notify(s, c, messaging.TypeError, map[string]any{
			"type":  "stage_failed",
			"stage": s.Name(),
			"error": err.Error(),
		})
	} else {
		r.deps.logger().Info("Stage completed",
			"stage", s.Name(),
			"card_id", c.CardID,
			"duration_seconds", result.DurationSeconds)
		r.notify(s, c, messaging.TypeNotification, map[string]any{
			"type":  "stage_completed",
			"stage": s.Name(),
		})
	}

	if td, ok := s.(TeardownStage); ok {
		td.Teardown(result.Success)
	}
	return result
}

// runPhases executes setup, run, and store, recovering a panic from stage
// code into an error so one bad stage cannot take down the orchestrator.
func (r *Runner) runPhases(ctx context.Context, s Stage, c *card.Card, pctx *Context, result *Result) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.Name(), rec)
		}
	}()

	if setup, ok := s.(SetupStage); ok {
		if err := setup.Setup(pctx); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	output, err := s.Run(ctx, c, pctx)
	if err != nil {
		return err
	}
	result.Output = output

	ids, err := r.storeResult(s, c, output)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	result.ArtifactIDs = ids
	return nil
}

// storeResult persists the stage output as a "<stage>_result" artifact
// unless the stage overrides persistence.
func (r *Runner) storeResult(s Stage, c *card.Card, output map[string]any) ([]string, error) {
	if storer, ok := s.(ResultStorer); ok {
		return storer.StoreResult(c, output)
	}
	if r.deps.Artifacts == nil || len(output) == 0 {
		return nil, nil
	}

	content, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal stage output: %w", err)
	}
	id, err := r.deps.Artifacts.Store(
		artifact.Type(s.Name()+"_result"),
		c.CardID,
		c.Title,
		string(content),
		map[string]any{"stage": s.Name()},
	)
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

func (r *Runner) logStart(s Stage, c *card.Card) {
	r.deps.logger().Info("Stage starting",
		"stage", s.Name(),
		"card_id", c.CardID,
		"card_title", c.Title)
}

// notify publishes a lifecycle event. Notification failures are logged and
// swallowed; observers missing an event must not fail the stage.
func (r *Runner) notify(s Stage, c *card.Card, msgType messaging.MessageType, data map[string]any) {
	if r.deps.Bus == nil {
		return
	}
	msg := messaging.NewMessage(r.deps.AgentName, messaging.Broadcast, msgType, c.CardID, data)
	if err := r.deps.Bus.Send(msg); err != nil {
		r.deps.logger().Warn("Stage notification failed",
			"stage", s.Name(),
			"error", err)
	}
}
