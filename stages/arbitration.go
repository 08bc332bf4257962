package stages

import (
	"context"
	"fmt"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/stage"
)

// Arbitration scores the surviving candidates on the 100-point rubric and
// selects the implementation that moves forward to integration.
type Arbitration struct {
	deps       stage.Deps
	arbitrator *developer.Arbitrator

	candidates []*developer.Result
	evidence   map[int]developer.Evidence
	reviews    map[int]*ReviewScore
}

// NewArbitration creates the arbitration stage.
func NewArbitration(deps stage.Deps, arbitrator *developer.Arbitrator) *Arbitration {
	return &Arbitration{deps: deps, arbitrator: arbitrator}
}

func (s *Arbitration) Name() string { return "arbitration" }

// Setup pulls the candidates, validation evidence and review scores out of
// the context. Reviews are optional; evidence and candidates are not.
func (s *Arbitration) Setup(pctx *stage.Context) error {
	v, ok := pctx.Get(KeyDeveloperResults)
	if !ok {
		return fmt.Errorf("no %s in context", KeyDeveloperResults)
	}
	results, ok := v.([]*developer.Result)
	if !ok {
		return fmt.Errorf("%s has unexpected type %T", KeyDeveloperResults, v)
	}
	s.candidates = results

	if v, ok := pctx.Get(KeyValidationEvidence); ok {
		if ev, ok := v.(map[int]developer.Evidence); ok {
			s.evidence = ev
		}
	}
	if s.evidence == nil {
		return fmt.Errorf("no %s in context", KeyValidationEvidence)
	}

	if v, ok := pctx.Get(KeyReviewScores); ok {
		if scores, ok := v.(map[int]*ReviewScore); ok {
			s.reviews = scores
		}
	}
	return nil
}

func (s *Arbitration) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	evidence := s.mergedEvidence()
	decision, err := s.arbitrator.Arbitrate(ctx, c, s.candidates, evidence)
	if err != nil {
		return nil, err
	}

	winner := decision.Winner(s.candidates)
	if winner == nil {
		return nil, fmt.Errorf("arbitration picked worker %d but no candidate matches", decision.WinnerID)
	}

	s.deps.Logger.Info("Arbitration decided",
		"card_id", c.CardID,
		"winner_id", decision.WinnerID,
		"winner_profile", winner.Profile,
		"candidates", len(decision.Scores))

	return map[string]any{
		KeyWinner:      winner,
		KeyArbitration: decision,
	}, nil
}

// mergedEvidence folds the review verdicts into the validation evidence so
// the correctness dimension reflects what the reviewer measured rather than
// the validation stage's coarse pass signal.
func (s *Arbitration) mergedEvidence() map[int]developer.Evidence {
	merged := make(map[int]developer.Evidence, len(s.evidence))
	for id, ev := range s.evidence {
		if review, ok := s.reviews[id]; ok {
			ev.CriteriaMet = review.CriteriaMet
			if review.CriteriaTotal > 0 {
				ev.CriteriaTotal = review.CriteriaTotal
			}
		}
		merged[id] = ev
	}
	return merged
}
