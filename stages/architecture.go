package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/stage"
)

// Architecture turns the analysis report into an architecture decision
// record and the list of dependencies the approach needs.
type Architecture struct {
	deps stage.Deps
	cfg  Config

	reportPath string
}

// NewArchitecture creates the architecture stage.
func NewArchitecture(deps stage.Deps, cfg Config) *Architecture {
	return &Architecture{deps: deps, cfg: cfg}
}

func (s *Architecture) Name() string { return "architecture" }

// Setup pulls the analysis report out of the pipeline context.
func (s *Architecture) Setup(pctx *stage.Context) error {
	s.reportPath = pctx.GetString(KeyAnalysisReport)
	if s.reportPath == "" {
		return fmt.Errorf("no %s in context", KeyAnalysisReport)
	}
	return nil
}

// adrEnvelope is the JSON shape the planning prompt asks for.
type adrEnvelope struct {
	Decision     string   `json:"decision"`
	Rationale    string   `json:"rationale"`
	Dependencies []string `json:"dependencies"`
}

func (s *Architecture) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	report, err := os.ReadFile(s.reportPath)
	if err != nil {
		return nil, fmt.Errorf("read analysis report: %w", err)
	}

	resp, err := s.deps.LLM.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityPlanning),
		Stage:      s.Name(),
		Purpose:    "architecture_decision",
		Messages: []llm.Message{
			{Role: "system", Content: "You write architecture decision records. " +
				"Respond with JSON: {\"decision\": string, \"rationale\": string, \"dependencies\": [string]}."},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nAnalysis:\n%s", c.Title, report)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("draft ADR: %w", err)
	}

	var env adrEnvelope
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &env); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("malformed ADR response: %w", err))
	}
	if env.Decision == "" {
		return nil, llm.NewTransientError(fmt.Errorf("ADR response has no decision"))
	}

	adrPath := filepath.Join(s.cfg.WorkDir, c.CardID, "adr.md")
	content := fmt.Sprintf("# ADR: %s\n\n## Decision\n%s\n\n## Rationale\n%s\n",
		c.Title, env.Decision, env.Rationale)
	if err := writeReport(adrPath, content); err != nil {
		return nil, err
	}

	deps := env.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		KeyADRFile:      adrPath,
		KeyDependencies: deps,
	}, nil
}
