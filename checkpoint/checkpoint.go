// Package checkpoint persists the durable, restartable record of a
// pipeline run. Every mutation rewrites the full per-card checkpoint file
// atomically, so a crash yields either the pre- or post-state, never a
// torn one.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the checkpoint lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusResumed   Status = "resumed"
)

// Terminal reports whether no further mutations are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageStatus is the per-stage execution state.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// LLMExchange is one recorded prompt/response pair for a stage.
type LLMExchange struct {
	PromptHash string `json:"prompt_hash"`
	Prompt     string `json:"prompt,omitempty"`
	Response   string `json:"response"`
}

// StageRecord is the execution record of one stage.
type StageRecord struct {
	StageName       string         `json:"stage_name"`
	Status          StageStatus    `json:"status"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	DurationSeconds float64        `json:"duration_seconds"`
	Result          map[string]any `json:"result,omitempty"`
	Artifacts       []string       `json:"artifacts,omitempty"`
	LLMResponses    []LLMExchange  `json:"llm_responses,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// Checkpoint is the durable per-card run record.
type Checkpoint struct {
	CheckpointID     string                  `json:"checkpoint_id"`
	CardID           string                  `json:"card_id"`
	Status           Status                  `json:"status"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	CompletedStages  []string                `json:"completed_stages"`
	FailedStages     []string                `json:"failed_stages"`
	SkippedStages    []string                `json:"skipped_stages"`
	CurrentStage     string                  `json:"current_stage,omitempty"`
	StageCheckpoints map[string]*StageRecord `json:"stage_checkpoints"`
	TotalStages      int                     `json:"total_stages"`
	StagesCompleted  int                     `json:"stages_completed"`
	ResumeCount      int                     `json:"resume_count"`
	LastResumeTime   *time.Time              `json:"last_resume_time,omitempty"`
	ExecutionContext map[string]any          `json:"execution_context,omitempty"`
	FailureReason    string                  `json:"failure_reason,omitempty"`
}

func newCheckpoint(cardID string, totalStages int, executionContext map[string]any, now time.Time) *Checkpoint {
	return &Checkpoint{
		CheckpointID:     uuid.New().String(),
		CardID:           cardID,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
		CompletedStages:  []string{},
		FailedStages:     []string{},
		SkippedStages:    []string{},
		StageCheckpoints: map[string]*StageRecord{},
		TotalStages:      totalStages,
		ExecutionContext: executionContext,
	}
}

// applyStage updates the stage lists so completed, failed, and skipped
// stay pairwise disjoint when a stage is retried into a different state.
func (c *Checkpoint) applyStage(record *StageRecord) {
	c.StageCheckpoints[record.StageName] = record
	c.CompletedStages = remove(c.CompletedStages, record.StageName)
	c.FailedStages = remove(c.FailedStages, record.StageName)
	c.SkippedStages = remove(c.SkippedStages, record.StageName)

	switch record.Status {
	case StageCompleted:
		c.CompletedStages = append(c.CompletedStages, record.StageName)
	case StageFailed:
		c.FailedStages = append(c.FailedStages, record.StageName)
	case StageSkipped:
		c.SkippedStages = append(c.SkippedStages, record.StageName)
	}
	c.StagesCompleted = len(c.CompletedStages)
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, s := range list {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

// done reports whether a stage needs no re-execution on resume.
func (c *Checkpoint) done(stage string) bool {
	for _, s := range c.CompletedStages {
		if s == stage {
			return true
		}
	}
	for _, s := range c.SkippedStages {
		if s == stage {
			return true
		}
	}
	return false
}

var errTerminal = fmt.Errorf("checkpoint is in a terminal state")

func (c *Checkpoint) ensureMutable() error {
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %s", errTerminal, c.Status)
	}
	return nil
}
