// Package orchestrator drives one card through its planned stages: plan,
// checkpoint, execute each stage under supervision, and report the final
// verdict. The orchestrator owns the pipeline context and is the only
// writer of checkpoint state.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/checkpoint"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/planner"
	"github.com/artemisengine/artemis/stage"
	"github.com/artemisengine/artemis/stages"
	"github.com/artemisengine/artemis/supervisor"
)

// Board columns the engine moves cards through.
const (
	ColumnInProgress = "in_progress"
	ColumnDone       = "done"
	ColumnBlocked    = "blocked"
)

// Report is the final verdict of one pipeline run.
type Report struct {
	CardID          string                 `json:"card_id"`
	Status          string                 `json:"status"` // completed or failed
	Plan            *planner.Plan          `json:"plan"`
	Resumed         bool                   `json:"resumed,omitempty"`
	FailedStage     string                 `json:"failed_stage,omitempty"`
	ErrorKind       string                 `json:"error_kind,omitempty"` // fatal or transient
	Err             error                  `json:"-"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	FallbackStages  []string               `json:"fallback_stages,omitempty"`
	SkippedStages   []string               `json:"skipped_stages,omitempty"`
	ProductionReady bool                   `json:"production_ready"`
	Statistics      *supervisor.Statistics `json:"statistics,omitempty"`
}

// Completed reports whether every planned stage ran to completion.
func (r *Report) Completed() bool {
	return r.Status == string(checkpoint.StatusCompleted)
}

// Orchestrator executes cards.
type Orchestrator struct {
	deps        stage.Deps
	stagesCfg   stages.Config
	planner     *planner.Planner
	supervisor  *supervisor.Supervisor
	checkpoints *checkpoint.Manager
	board       *card.Board
	logger      *slog.Logger
	exchanges   *exchangeLog
}

// exchangeLog buffers gateway exchanges per stage until the stage's
// checkpoint record is written. Development workers call the gateway
// concurrently, so access is guarded.
type exchangeLog struct {
	mu      sync.Mutex
	byStage map[string][]checkpoint.LLMExchange
}

func newExchangeLog() *exchangeLog {
	return &exchangeLog{byStage: map[string][]checkpoint.LLMExchange{}}
}

func (l *exchangeLog) record(req llm.Request, resp *llm.Response) {
	if resp == nil || resp.PromptHash == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byStage[req.Stage] = append(l.byStage[req.Stage], checkpoint.LLMExchange{
		PromptHash: resp.PromptHash,
		Response:   resp.Content,
	})
}

// drain returns and clears the exchanges buffered for one stage.
func (l *exchangeLog) drain(stageName string) []checkpoint.LLMExchange {
	l.mu.Lock()
	defer l.mu.Unlock()
	exchanges := l.byStage[stageName]
	delete(l.byStage, stageName)
	return exchanges
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBoard attaches the kanban board whose columns track run progress.
func WithBoard(b *card.Board) Option {
	return func(o *Orchestrator) {
		o.board = b
	}
}

// WithPlanner replaces the stock workflow planner.
func WithPlanner(p *planner.Planner) Option {
	return func(o *Orchestrator) {
		o.planner = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator around the shared stage dependencies, the
// supervisor that guards execution, and the checkpoint manager that makes
// runs restartable.
func New(deps stage.Deps, stagesCfg stages.Config, sup *supervisor.Supervisor, cpm *checkpoint.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		stagesCfg:   stagesCfg,
		planner:     planner.New(),
		supervisor:  sup,
		checkpoints: cpm,
		logger:      slog.Default(),
		exchanges:   newExchangeLog(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if deps.Logger == nil {
		o.deps.Logger = o.logger
	}
	if o.deps.LLM != nil {
		o.deps.LLM.OnResponse(o.exchanges.record)
	}
	return o
}

// Run drives one card start to finish, resuming from a prior checkpoint
// when one exists. The returned report is always non-nil; Err carries the
// failure when Status is failed.
func (o *Orchestrator) Run(ctx context.Context, c *card.Card) (*Report, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid card: %w", err)
	}

	plan := o.planner.Plan(c)
	report := &Report{CardID: c.CardID, Plan: plan}

	o.logger.Info("Pipeline starting",
		"card_id", c.CardID,
		"card_title", c.Title,
		"complexity", plan.Complexity,
		"stages", len(plan.Stages),
		"parallel_developers", plan.ParallelDevelopers)

	pctx := stage.NewContext()
	if err := o.seedContext(pctx, c, plan); err != nil {
		return nil, err
	}

	resumed, err := o.prepareCheckpoint(c, plan, pctx)
	if err != nil {
		return nil, err
	}
	report.Resumed = resumed

	o.moveCard(c, ColumnInProgress)
	o.announce(c, "pipeline_started", map[string]any{
		"complexity": string(plan.Complexity),
		"stages":     plan.Stages,
		"resumed":    resumed,
	})

	stageSet, err := o.buildStages(c, plan)
	if err != nil {
		return nil, err
	}
	runner := stage.NewRunner(o.deps)

	for {
		name, ok := o.checkpoints.NextStage(c.CardID, plan.Stages)
		if !ok {
			break
		}
		s, known := stageSet[name]
		if !known {
			return nil, fmt.Errorf("plan names unknown stage %q", name)
		}
		if err := o.checkpoints.SetCurrentStage(c.CardID, name); err != nil {
			return nil, err
		}
		if o.deps.Bus != nil {
			if err := o.deps.Bus.Shared().Update(c.CardID, map[string]any{"current_stage": name}); err != nil {
				o.logger.Warn("Shared state not updated", "card_id", c.CardID, "error", err)
			}
		}

		done, err := o.runStage(ctx, runner, s, c, pctx, report)
		if err != nil {
			return nil, err
		}
		if !done {
			o.finishFailed(c, report)
			return report, nil
		}
	}

	if err := o.checkpoints.MarkCompleted(c.CardID); err != nil {
		return nil, err
	}
	report.Status = string(checkpoint.StatusCompleted)
	if ready, ok := pctx.Get(stages.KeyProductionReady); ok {
		report.ProductionReady, _ = ready.(bool)
	}
	report.Statistics = o.supervisor.Statistics()

	o.moveCard(c, ColumnDone)
	o.announce(c, "pipeline_completed", map[string]any{
		"production_ready": report.ProductionReady,
	})
	o.logger.Info("Pipeline completed",
		"card_id", c.CardID,
		"production_ready", report.ProductionReady,
		"fallback_stages", report.FallbackStages)
	return report, nil
}

// runStage executes one stage under supervision and persists the outcome.
// Returns done=false when the run must stop on a failed stage.
func (o *Orchestrator) runStage(ctx context.Context, runner *stage.Runner, s stage.Stage, c *card.Card, pctx *stage.Context, report *Report) (bool, error) {
	name := s.Name()
	start := time.Now().UTC()

	var lifecycle *stage.Result
	outcome := o.supervisor.ExecuteWithSupervision(ctx, name, func(attemptCtx context.Context) (map[string]any, error) {
		lifecycle = runner.Execute(attemptCtx, s, c, pctx)
		if !lifecycle.Success {
			return nil, lifecycle.Err
		}
		return lifecycle.Output, nil
	})
	end := time.Now().UTC()

	update := checkpoint.StageUpdate{
		Result:       outcome.Output,
		LLMResponses: o.exchanges.drain(name),
	}
	if outcome.Attempts > 0 {
		update.RetryCount = outcome.Attempts - 1
	}
	if lifecycle != nil {
		update.Artifacts = lifecycle.ArtifactIDs
	}

	switch outcome.Status {
	case supervisor.StatusCompleted:
		if update.Result == nil {
			update.Result = map[string]any{}
		}
		if outcome.FallbackUsed {
			report.FallbackStages = append(report.FallbackStages, name)
			update.ErrorMessage = errString(outcome.Err)
		}
		if err := o.checkpoints.SaveStage(c.CardID, name, checkpoint.StageCompleted, start, end, update); err != nil {
			return false, err
		}
		if len(outcome.Output) > 0 {
			if err := pctx.Merge(name, outcome.Output); err != nil {
				return false, err
			}
		}
		return true, nil

	case supervisor.StatusSkipped:
		report.SkippedStages = append(report.SkippedStages, name)
		update.ErrorMessage = outcome.Reason
		if err := o.checkpoints.SaveStage(c.CardID, name, checkpoint.StageSkipped, start, end, update); err != nil {
			return false, err
		}
		if outcome.FallbackUsed {
			if len(outcome.Output) > 0 {
				if err := pctx.Merge(name, outcome.Output); err != nil {
					return false, err
				}
			}
			return true, nil
		}
		// A skip without a fallback leaves the pipeline with a hole it
		// cannot paper over. The checkpoint keeps the skipped record, but
		// the run terminates as failed.
		report.Status = string(checkpoint.StatusFailed)
		report.FailedStage = name
		report.ErrorMessage = outcome.Reason
		report.ErrorKind = "circuit_open"
		return false, nil

	default:
		update.ErrorMessage = errString(outcome.Err)
		if err := o.checkpoints.SaveStage(c.CardID, name, checkpoint.StageFailed, start, end, update); err != nil {
			return false, err
		}
		report.Status = string(checkpoint.StatusFailed)
		report.FailedStage = name
		report.Err = outcome.Err
		report.ErrorMessage = errString(outcome.Err)
		report.ErrorKind = "transient"
		if llm.IsFatal(outcome.Err) {
			report.ErrorKind = "fatal"
		}
		return false, nil
	}
}

func (o *Orchestrator) finishFailed(c *card.Card, report *Report) {
	report.Statistics = o.supervisor.Statistics()
	if err := o.checkpoints.MarkFailed(c.CardID, report.ErrorMessage); err != nil {
		o.logger.Error("Failed to record terminal checkpoint state",
			"card_id", c.CardID, "error", err)
	}
	o.moveCard(c, ColumnBlocked)
	o.announce(c, "pipeline_failed", map[string]any{
		"failed_stage": report.FailedStage,
		"error_kind":   report.ErrorKind,
		"error":        report.ErrorMessage,
	})
	o.logger.Error("Pipeline failed",
		"card_id", c.CardID,
		"failed_stage", report.FailedStage,
		"error_kind", report.ErrorKind,
		"error", report.ErrorMessage)
}

// seedContext installs the orchestrator-owned keys before any stage runs.
func (o *Orchestrator) seedContext(pctx *stage.Context, c *card.Card, plan *planner.Plan) error {
	if err := pctx.Set(stages.KeyParallelDevelopers, plan.ParallelDevelopers); err != nil {
		return err
	}
	if o.deps.Artifacts != nil {
		insights := o.deps.Artifacts.Recommendations(c.Title+"\n"+c.Description, nil)
		if err := pctx.Set(stages.KeyRAGInsights, insights); err != nil {
			return err
		}
		if insights.SimilarTasksCount > 0 {
			o.logger.Info("Prior work informs this run",
				"card_id", c.CardID,
				"similar_tasks", insights.SimilarTasksCount,
				"confidence", insights.Confidence,
				"recommend", insights.Recommend,
				"avoid", insights.Avoid)
		}
	}
	return nil
}

// prepareCheckpoint resumes an existing run or creates a fresh checkpoint.
// On resume, completed stage outputs are replayed into the pipeline
// context so later stages see the same keys they would have live.
func (o *Orchestrator) prepareCheckpoint(c *card.Card, plan *planner.Plan, pctx *stage.Context) (bool, error) {
	if !o.checkpoints.CanResume(c.CardID) {
		_, err := o.checkpoints.Create(c.CardID, len(plan.Stages), map[string]any{
			"plan": plan,
		})
		return false, err
	}

	cp, err := o.checkpoints.Resume(c.CardID)
	if err != nil {
		return false, err
	}
	o.logger.Info("Resuming from checkpoint",
		"card_id", c.CardID,
		"resume_count", cp.ResumeCount,
		"stages_completed", cp.StagesCompleted)

	for _, name := range plan.Stages {
		record, ok := cp.StageCheckpoints[name]
		if !ok || record.Status != checkpoint.StageCompleted || len(record.Result) == 0 {
			continue
		}
		restored, err := rehydrate(record.Result)
		if err != nil {
			return false, fmt.Errorf("restore %s output: %w", name, err)
		}
		if err := pctx.Merge(name, restored); err != nil {
			return false, err
		}
	}
	return true, nil
}

// buildStages wires the stage implementations for one card.
func (o *Orchestrator) buildStages(c *card.Card, plan *planner.Plan) (map[string]stage.Stage, error) {
	if o.deps.LLM == nil {
		return nil, fmt.Errorf("no LLM gateway configured")
	}

	scratch := filepath.Join(o.stagesCfg.WorkDir, c.CardID, "candidates")
	invoker := developer.NewInvoker(o.deps.LLM, scratch, developer.WithLogger(o.logger))
	arbitrator := developer.NewArbitrator(o.deps.Artifacts)

	return map[string]stage.Stage{
		planner.StageAnalysis:     stages.NewAnalysis(o.deps, o.stagesCfg),
		planner.StageArchitecture: stages.NewArchitecture(o.deps, o.stagesCfg),
		planner.StageDependencies: stages.NewDependencies(o.deps, o.stagesCfg),
		planner.StageDevelopment:  stages.NewDevelopment(o.deps, invoker),
		planner.StageReview:       stages.NewReview(o.deps),
		planner.StageValidation:   stages.NewValidation(o.deps, o.stagesCfg),
		planner.StageArbitration:  stages.NewArbitration(o.deps, arbitrator),
		planner.StageIntegration:  stages.NewIntegration(o.deps, o.stagesCfg),
		planner.StageTesting:      stages.NewTesting(o.deps, o.stagesCfg),
	}, nil
}

// rehydrate converts a checkpointed stage result, which JSON decoding left
// as generic maps, back into the concrete types downstream stages expect.
func rehydrate(result map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(result))
	for key, raw := range result {
		var err error
		switch key {
		case stages.KeyDeveloperResults:
			var v []*developer.Result
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyWinner:
			var v *developer.Result
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyArbitration:
			var v *developer.Decision
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyValidationEvidence:
			var v map[int]developer.Evidence
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyReviewScores:
			var v map[int]*stages.ReviewScore
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyApprovedCandidates:
			var v []int
			err = recode(raw, &v)
			out[key] = v
		case stages.KeyApprovedChanges, stages.KeyDependencies:
			var v []string
			err = recode(raw, &v)
			out[key] = v
		default:
			out[key] = raw
		}
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
	}
	return out, nil
}

func recode(raw, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (o *Orchestrator) moveCard(c *card.Card, column string) {
	if o.board == nil {
		return
	}
	if err := o.board.MoveCard(c.CardID, column); err != nil {
		o.logger.Warn("Board update failed",
			"card_id", c.CardID, "column", column, "error", err)
	}
}

// announce publishes a run lifecycle event on the bus and mirrors it into
// the artifact store as a kanban event.
func (o *Orchestrator) announce(c *card.Card, event string, data map[string]any) {
	if o.deps.Bus != nil {
		payload := map[string]any{"type": event}
		for k, v := range data {
			payload[k] = v
		}
		msg := messaging.NewMessage(o.deps.AgentName, messaging.Broadcast,
			messaging.TypeNotification, c.CardID, payload)
		if err := o.deps.Bus.Send(msg); err != nil {
			o.logger.Warn("Lifecycle notification failed",
				"card_id", c.CardID, "event", event, "error", err)
		}
		if err := o.deps.Bus.Shared().Update(c.CardID, payload); err != nil {
			o.logger.Warn("Shared state not updated",
				"card_id", c.CardID, "event", event, "error", err)
		}
	}
	if o.deps.Artifacts != nil {
		content, _ := json.Marshal(data)
		if _, err := o.deps.Artifacts.Store(artifact.TypeKanbanEvent, c.CardID, c.Title,
			event+": "+string(content), map[string]any{"event": event}); err != nil {
			o.logger.Warn("Kanban event not recorded",
				"card_id", c.CardID, "event", event, "error", err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
