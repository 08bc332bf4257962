package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/sandbox"
)

// knownSolutionThreshold is the similarity above which a stored
// unexpected_state_solution is applied instead of synthesizing a new one.
const knownSolutionThreshold = 0.7

// RecoveryOutcome reports how an unexpected state was handled.
type RecoveryOutcome struct {
	Resolved      bool            `json:"resolved"`
	Source        string          `json:"source"` // "expected", "known_solution", "synthesized", "unresolved"
	Workflow      string          `json:"workflow,omitempty"`
	ArtifactID    string          `json:"artifact_id,omitempty"`
	SandboxResult *sandbox.Result `json:"sandbox_result,omitempty"`
}

// recoveryEnvelope is the JSON shape the learning prompt asks for.
type recoveryEnvelope struct {
	Diagnosis     string   `json:"diagnosis"`
	RecoverySteps []string `json:"recovery_steps"`
	Code          string   `json:"code,omitempty"`
	Language      string   `json:"language,omitempty"`
}

// HandleUnexpectedState recovers from a state outside the expected set:
// first by reusing a similar stored solution, then, when autoLearn is on,
// by synthesizing a recovery workflow through the LLM gateway, proving it
// in the sandbox when it carries code, and storing it for next time.
func (s *Supervisor) HandleUnexpectedState(ctx context.Context, cardID, stageName, currentState string, expectedStates []string, stateContext map[string]any, autoLearn bool) (*RecoveryOutcome, error) {
	for _, expected := range expectedStates {
		if currentState == expected {
			return &RecoveryOutcome{Resolved: true, Source: "expected"}, nil
		}
	}

	s.logger.Warn("Unexpected state encountered",
		"card_id", cardID,
		"stage", stageName,
		"current_state", currentState,
		"expected_states", expectedStates)

	description := fmt.Sprintf("stage %s in state %q, expected one of %v", stageName, currentState, expectedStates)

	if s.artifacts != nil {
		matches := s.artifacts.QuerySimilar(description,
			[]artifact.Type{artifact.TypeUnexpectedStateSolution}, 1, nil)
		if len(matches) > 0 && matches[0].Similarity >= knownSolutionThreshold {
			s.logger.Info("Applying known recovery workflow",
				"artifact_id", matches[0].Artifact.ArtifactID,
				"similarity", matches[0].Similarity)
			return &RecoveryOutcome{
				Resolved:   true,
				Source:     "known_solution",
				Workflow:   matches[0].Artifact.Content,
				ArtifactID: matches[0].Artifact.ArtifactID,
			}, nil
		}
	}

	if !autoLearn || s.gateway == nil {
		return &RecoveryOutcome{Resolved: false, Source: "unresolved"}, nil
	}
	return s.synthesizeRecovery(ctx, cardID, stageName, description, stateContext)
}

func (s *Supervisor) synthesizeRecovery(ctx context.Context, cardID, stageName, description string, stateContext map[string]any) (*RecoveryOutcome, error) {
	contextJSON, _ := json.Marshal(stateContext)
	resp, err := s.gateway.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityLearning),
		Stage:      stageName,
		Purpose:    "unexpected_state_recovery",
		Messages: []llm.Message{
			{Role: "system", Content: "You diagnose pipeline failures and propose recovery workflows. " +
				"Respond with JSON: {\"diagnosis\": string, \"recovery_steps\": [string], \"code\": string?, \"language\": string?}."},
			{Role: "user", Content: fmt.Sprintf("Unexpected state: %s\nContext: %s", description, contextJSON)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize recovery workflow: %w", err)
	}

	var envelope recoveryEnvelope
	cleaned := llm.ExtractJSON(resp.Content)
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return nil, fmt.Errorf("parse recovery workflow: %w", err)
	}

	outcome := &RecoveryOutcome{Resolved: true, Source: "synthesized", Workflow: cleaned}

	if envelope.Code != "" && s.sandbox != nil {
		result, err := s.ExecuteCodeSafely(ctx, envelope.Code, envelope.Language, true)
		if err != nil {
			return nil, fmt.Errorf("execute recovery code: %w", err)
		}
		outcome.SandboxResult = result
		if !result.Success {
			outcome.Resolved = false
			outcome.Source = "unresolved"
			return outcome, nil
		}
	}

	if s.artifacts != nil {
		id, err := s.artifacts.Store(artifact.TypeUnexpectedStateSolution, cardID,
			description, cleaned, map[string]any{
				"stage":     stageName,
				"diagnosis": envelope.Diagnosis,
			})
		if err != nil {
			s.logger.Warn("Failed to store recovery solution", "error", err)
		} else {
			outcome.ArtifactID = id
		}
	}
	return outcome, nil
}
