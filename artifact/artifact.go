// Package artifact implements the append-only, vector-queryable record of
// pipeline outputs. Every stage result is stored with an embedding so
// future runs can query for similar work. Artifacts are never mutated or
// deleted.
package artifact

import (
	"fmt"
	"time"
)

// Type classifies an artifact.
type Type string

const (
	TypeResearchReport          Type = "research_report"
	TypeProjectAnalysis         Type = "project_analysis"
	TypeArchitectureDecision    Type = "architecture_decision"
	TypeDeveloperSolution       Type = "developer_solution"
	TypeCodeReview              Type = "code_review"
	TypeArbitrationScore        Type = "arbitration_score"
	TypeIntegrationResult       Type = "integration_result"
	TypeTestingResult           Type = "testing_result"
	TypeUnexpectedStateSolution Type = "unexpected_state_solution"
	TypeKanbanEvent             Type = "kanban_event"
)

// knownTypes guards against typo'd artifact types at store time.
var knownTypes = map[Type]bool{
	TypeResearchReport:          true,
	TypeProjectAnalysis:         true,
	TypeArchitectureDecision:    true,
	TypeDeveloperSolution:       true,
	TypeCodeReview:              true,
	TypeArbitrationScore:        true,
	TypeIntegrationResult:       true,
	TypeTestingResult:           true,
	TypeUnexpectedStateSolution: true,
	TypeKanbanEvent:             true,
}

// IsValid reports whether t is a known artifact type. Stage-derived types
// of the form "<stage>_result" are also accepted so the default stage
// lifecycle can store without per-stage registration.
func (t Type) IsValid() bool {
	return knownTypes[t]
}

// Artifact is one stored RAG entry.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	Type       Type           `json:"artifact_type"`
	CardID     string         `json:"card_id"`
	TaskTitle  string         `json:"task_title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Embedding  []float32      `json:"embedding"`
	StoredAt   time.Time      `json:"stored_at"`
}

func (a *Artifact) validate() error {
	if a.Type == "" {
		return fmt.Errorf("artifact_type is required")
	}
	if a.CardID == "" {
		return fmt.Errorf("card_id is required")
	}
	if a.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// Match is one similarity query result.
type Match struct {
	Artifact   *Artifact
	Similarity float64
}
