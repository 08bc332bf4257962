package stages

import (
	"context"
	"fmt"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/stage"
)

// Testing runs the integrated winner's full test suite one final time in
// the sandbox and decides whether the card is production ready.
type Testing struct {
	deps stage.Deps
	cfg  Config

	winner *developer.Result
}

// NewTesting creates the final testing stage.
func NewTesting(deps stage.Deps, cfg Config) *Testing {
	return &Testing{deps: deps, cfg: cfg}
}

func (s *Testing) Name() string { return "testing" }

// Setup pulls the winning candidate out of the context.
func (s *Testing) Setup(pctx *stage.Context) error {
	v, ok := pctx.Get(KeyWinner)
	if !ok {
		return fmt.Errorf("no %s in context", KeyWinner)
	}
	winner, ok := v.(*developer.Result)
	if !ok {
		return fmt.Errorf("%s has unexpected type %T", KeyWinner, v)
	}
	s.winner = winner
	return nil
}

func (s *Testing) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	if s.deps.Sandbox == nil {
		return nil, fmt.Errorf("no sandbox executor configured")
	}

	output := map[string]any{
		KeyTestingStatus:   "passed",
		KeyProductionReady: true,
	}
	if len(s.winner.TestFiles) == 0 {
		output[KeyTestingStatus] = "no_tests"
		output[KeyProductionReady] = false
		return output, nil
	}

	code, language := testHarness(s.winner)
	result, err := s.deps.Sandbox.Execute(ctx, code, language, s.cfg.SandboxLimits, s.cfg.ScanSecurity)
	if err != nil {
		return nil, fmt.Errorf("run final test suite: %w", err)
	}

	passed, total := parseTestCounts(result.Stdout)
	output["tests_passed"] = passed
	output["tests_total"] = total
	output["coverage_percent"] = parseCoverage(result.Stdout)

	if result.Killed {
		return nil, fmt.Errorf("final test suite killed: %s", result.KillReason)
	}
	if !result.Success {
		output[KeyTestingStatus] = "failed"
		output[KeyProductionReady] = false
		return nil, fmt.Errorf("final test suite failed: %d of %d tests passed", passed, total)
	}

	s.deps.Logger.Info("Final test suite passed",
		"card_id", c.CardID,
		"tests_passed", passed,
		"tests_total", total)
	return output, nil
}

// StoreResult records the testing outcome for future recommendation
// queries against similar work.
func (s *Testing) StoreResult(c *card.Card, output map[string]any) ([]string, error) {
	if s.deps.Artifacts == nil {
		return nil, nil
	}
	content := fmt.Sprintf("Final suite for worker %d: status=%v passed=%v/%v",
		s.winner.WorkerID, output[KeyTestingStatus], output["tests_passed"], output["tests_total"])

	id, err := s.deps.Artifacts.Store(artifact.TypeTestingResult, c.CardID, c.Title, content,
		map[string]any{
			"status":           output[KeyTestingStatus],
			"production_ready": output[KeyProductionReady],
		})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}
