package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/stage"
)

// Development fans the implementation out to competing workers through the
// developer invoker. With a single worker the sole candidate is the winner
// outright; with several, arbitration picks the winner later.
type Development struct {
	deps    stage.Deps
	invoker *developer.Invoker

	adrPath string
	workers int
}

// NewDevelopment creates the development stage.
func NewDevelopment(deps stage.Deps, invoker *developer.Invoker) *Development {
	return &Development{deps: deps, invoker: invoker}
}

func (s *Development) Name() string { return "development" }

// Setup pulls the ADR path and worker count out of the context.
func (s *Development) Setup(pctx *stage.Context) error {
	s.adrPath = pctx.GetString(KeyADRFile)
	if s.adrPath == "" {
		return fmt.Errorf("no %s in context", KeyADRFile)
	}

	s.workers = 1
	if v, ok := pctx.Get(KeyParallelDevelopers); ok {
		if n, ok := v.(int); ok && n > 0 {
			s.workers = n
		}
	}
	return nil
}

func (s *Development) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	adr, err := os.ReadFile(s.adrPath)
	if err != nil {
		return nil, fmt.Errorf("read ADR: %w", err)
	}

	results, err := s.invoker.Invoke(ctx, c, string(adr), s.workers)
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		KeyDeveloperResults: results,
	}
	if s.workers == 1 {
		// No arbitration phase: the sole candidate wins outright.
		output[KeyWinner] = results[0]
	}
	return output, nil
}

// StoreResult keeps one developer_solution artifact per successful
// candidate instead of the default single stage artifact.
func (s *Development) StoreResult(c *card.Card, output map[string]any) ([]string, error) {
	if s.deps.Artifacts == nil {
		return nil, nil
	}
	results, ok := output[KeyDeveloperResults].([]*developer.Result)
	if !ok {
		return nil, nil
	}

	var ids []string
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		content := r.Notes
		if content == "" {
			content = fmt.Sprintf("worker %d (%s) produced %d implementation and %d test files",
				r.WorkerID, r.Profile, len(r.ImplementationFiles), len(r.TestFiles))
		}
		id, err := s.deps.Artifacts.Store(artifact.TypeDeveloperSolution, c.CardID, c.Title, content,
			map[string]any{
				"worker_id": r.WorkerID,
				"profile":   r.Profile,
				"files":     len(r.ImplementationFiles) + len(r.TestFiles),
			})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
