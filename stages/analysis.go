package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/stage"
)

// Analysis examines the card and produces the analysis report plus the
// approved-changes list. When auto-approval is off the pipeline pauses
// here until an external agent responds on the bus.
type Analysis struct {
	deps stage.Deps
	cfg  Config
}

// NewAnalysis creates the analysis stage.
func NewAnalysis(deps stage.Deps, cfg Config) *Analysis {
	return &Analysis{deps: deps, cfg: cfg}
}

func (s *Analysis) Name() string { return "analysis" }

// analysisEnvelope is the JSON shape the planning prompt asks for.
type analysisEnvelope struct {
	Summary         string   `json:"summary"`
	ApprovedChanges []string `json:"approved_changes"`
	Risks           []string `json:"risks"`
}

func (s *Analysis) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	resp, err := s.deps.LLM.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityPlanning),
		Stage:      s.Name(),
		Purpose:    "project_analysis",
		Messages: []llm.Message{
			{Role: "system", Content: "You analyze a development task before implementation. " +
				"Respond with JSON: {\"summary\": string, \"approved_changes\": [string], \"risks\": [string]}."},
			{Role: "user", Content: taskDescription(c)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analyze card: %w", err)
	}

	var env analysisEnvelope
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &env); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("malformed analysis response: %w", err))
	}

	reportPath := filepath.Join(s.cfg.WorkDir, c.CardID, "analysis_report.md")
	if err := writeReport(reportPath, analysisReport(c, &env)); err != nil {
		return nil, err
	}

	if !s.cfg.AutoApprove {
		if err := s.awaitApproval(ctx, c, &env); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		KeyAnalysisReport:  reportPath,
		KeyApprovedChanges: env.ApprovedChanges,
	}, nil
}

// awaitApproval publishes an approval request and waits for an external
// agent to respond on the bus, or for the wait to time out.
func (s *Analysis) awaitApproval(ctx context.Context, c *card.Card, env *analysisEnvelope) error {
	if s.deps.Bus == nil {
		return fmt.Errorf("approval required but no messaging bus configured")
	}

	req := messaging.NewMessage(s.deps.AgentName, messaging.Broadcast, messaging.TypeRequest,
		c.CardID, map[string]any{
			"type":             "approval_requested",
			"approved_changes": env.ApprovedChanges,
			"risks":            env.Risks,
		})
	req.Priority = messaging.PriorityHigh
	if err := s.deps.Bus.Send(req); err != nil {
		return fmt.Errorf("request approval: %w", err)
	}

	// The inbox watch wakes the wait the moment a response lands. The
	// ticker covers filesystems without inotify support.
	notify := make(chan struct{}, 1)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := s.deps.Bus.Watch(watchCtx, s.deps.AgentName, notify); err != nil && watchCtx.Err() == nil {
			s.deps.Logger.Warn("Inbox watch unavailable, relying on polling", "error", err)
		}
	}()

	timeout := time.NewTimer(s.cfg.ApprovalTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(s.cfg.ApprovalPollInterval)
	defer ticker.Stop()

	for {
		// Check before waiting so a response that landed before the watch
		// started is picked up.
		decided, err := s.checkApprovalInbox(c)
		if decided || err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("approval for card %s timed out", c.CardID)
		case <-notify:
		case <-ticker.C:
		}
	}
}

// checkApprovalInbox drains unread responses for the card and reports
// whether a verdict arrived. A rejection surfaces as a fatal error.
func (s *Analysis) checkApprovalInbox(c *card.Card) (bool, error) {
	messages, err := s.deps.Bus.Read(s.deps.AgentName, messaging.Filter{
		MessageType: messaging.TypeResponse,
		UnreadOnly:  true,
	})
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if msg.CardID != c.CardID {
			continue
		}
		if err := s.deps.Bus.MarkRead(s.deps.AgentName, msg.MessageID); err != nil {
			return false, err
		}
		approved, ok := msg.Data["approved"].(bool)
		if !ok {
			continue
		}
		if !approved {
			return true, llm.NewFatalError(fmt.Errorf("analysis rejected by %s", msg.FromAgent))
		}
		return true, nil
	}
	return false, nil
}

func taskDescription(c *card.Card) string {
	data, _ := json.MarshalIndent(map[string]any{
		"card_id":             c.CardID,
		"title":               c.Title,
		"description":         c.Description,
		"priority":            c.Priority,
		"story_points":        c.StoryPoints,
		"labels":              c.Labels,
		"acceptance_criteria": c.AcceptanceCriteria,
	}, "", "  ")
	return string(data)
}

func analysisReport(c *card.Card, env *analysisEnvelope) string {
	report := fmt.Sprintf("# Analysis: %s\n\n%s\n", c.Title, env.Summary)
	if len(env.ApprovedChanges) > 0 {
		report += "\n## Approved changes\n"
		for _, change := range env.ApprovedChanges {
			report += "- " + change + "\n"
		}
	}
	if len(env.Risks) > 0 {
		report += "\n## Risks\n"
		for _, risk := range env.Risks {
			report += "- " + risk + "\n"
		}
	}
	return report
}

func writeReport(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
