package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/stage"
)

// Integration applies the winning candidate's files to the card's working
// copy under the work directory.
type Integration struct {
	deps stage.Deps
	cfg  Config

	winner *developer.Result
}

// NewIntegration creates the integration stage.
func NewIntegration(deps stage.Deps, cfg Config) *Integration {
	return &Integration{deps: deps, cfg: cfg}
}

func (s *Integration) Name() string { return "integration" }

// Setup pulls the winning candidate out of the context.
func (s *Integration) Setup(pctx *stage.Context) error {
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

func (s *Integration) Run(_ context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	target := filepath.Join(s.cfg.WorkDir, c.CardID, "src")

	var applied []string
	for _, f := range append(append([]developer.File{}, s.winner.ImplementationFiles...), s.winner.TestFiles...) {
		clean := filepath.Clean(f.Path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, fmt.Errorf("winner file escapes the working copy: %s", f.Path)
		}
		if glob := s.protectedMatch(clean); glob != "" {
			return nil, fmt.Errorf("winner file %s matches protected path %s", clean, glob)
		}

		dest := filepath.Join(target, clean)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("create target dir: %w", err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", clean, err)
		}
		applied = append(applied, clean)
	}

	if len(applied) == 0 {
		return nil, fmt.Errorf("winner worker %d has no files to integrate", s.winner.WorkerID)
	}

	s.deps.Logger.Info("Winner integrated",
		"card_id", c.CardID,
		"worker_id", s.winner.WorkerID,
		"files", len(applied),
		"target", target)

	return map[string]any{
		KeyIntegrationStatus: "integrated",
		"integrated_files":   applied,
		"integration_target": target,
	}, nil
}

// protectedMatch returns the first protected glob the path matches, or "".
func (s *Integration) protectedMatch(path string) string {
	for _, glob := range s.cfg.ProtectedPaths {
		if ok, err := doublestar.Match(glob, filepath.ToSlash(path)); err == nil && ok {
			return glob
		}
	}
	return ""
}

// StoreResult records the integration outcome so later cards with similar
// work can learn which approach landed.
func (s *Integration) StoreResult(c *card.Card, output map[string]any) ([]string, error) {
	if s.deps.Artifacts == nil {
		return nil, nil
	}
	files, _ := output["integrated_files"].([]string)
	content := fmt.Sprintf("Integrated %d files from worker %d (%s profile) into %s",
		len(files), s.winner.WorkerID, s.winner.Profile, output["integration_target"])

	id, err := s.deps.Artifacts.Store(artifact.TypeIntegrationResult, c.CardID, c.Title, content,
		map[string]any{
			"worker_id":            s.winner.WorkerID,
			"winning_technologies": strings.Join(c.Labels, ","),
			"status":               output[KeyIntegrationStatus],
		})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}
