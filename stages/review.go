package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/stage"
)

// ReviewScore is one candidate's review verdict.
type ReviewScore struct {
	WorkerID      int      `json:"worker_id"`
	Score         float64  `json:"score"` // 0..100
	CriteriaMet   int      `json:"criteria_met"`
	CriteriaTotal int      `json:"criteria_total"`
	Comments      []string `json:"comments,omitempty"`
}

// Review has the LLM score every successful candidate against the card's
// acceptance criteria.
type Review struct {
	deps stage.Deps

	candidates []*developer.Result
}

// NewReview creates the code review stage.
func NewReview(deps stage.Deps) *Review {
	return &Review{deps: deps}
}

func (s *Review) Name() string { return "review" }

// Setup pulls the developer results out of the context.
func (s *Review) Setup(pctx *stage.Context) error {
	v, ok := pctx.Get(KeyDeveloperResults)
	if !ok {
		return fmt.Errorf("no %s in context", KeyDeveloperResults)
	}
	results, ok := v.([]*developer.Result)
	if !ok {
		return fmt.Errorf("%s has unexpected type %T", KeyDeveloperResults, v)
	}
	s.candidates = results
	return nil
}

// reviewEnvelope is the JSON shape the reviewing prompt asks for.
type reviewEnvelope struct {
	Score         float64  `json:"score"`
	CriteriaMet   int      `json:"criteria_met"`
	CriteriaTotal int      `json:"criteria_total"`
	Comments      []string `json:"comments"`
}

func (s *Review) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	scores := map[int]*ReviewScore{}
	for _, cand := range s.candidates {
		if !cand.Succeeded() {
			continue
		}
		score, err := s.reviewCandidate(ctx, c, cand)
		if err != nil {
			return nil, fmt.Errorf("review worker %d: %w", cand.WorkerID, err)
		}
		scores[cand.WorkerID] = score
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("no candidates to review")
	}

	return map[string]any{
		KeyReviewScores: scores,
	}, nil
}

func (s *Review) reviewCandidate(ctx context.Context, c *card.Card, cand *developer.Result) (*ReviewScore, error) {
	var code strings.Builder
	for _, f := range cand.ImplementationFiles {
		fmt.Fprintf(&code, "--- %s ---\n%s\n", f.Path, f.Content)
	}
	for _, f := range cand.TestFiles {
		fmt.Fprintf(&code, "--- %s ---\n%s\n", f.Path, f.Content)
	}

	criteria := strings.Join(c.AcceptanceCriteria, "\n- ")
	resp, err := s.deps.LLM.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityReviewing),
		Stage:      s.Name(),
		Purpose:    fmt.Sprintf("review_worker_%d", cand.WorkerID),
		Messages: []llm.Message{
			{Role: "system", Content: "You review code against acceptance criteria. " +
				"Respond with JSON: {\"score\": number 0-100, \"criteria_met\": int, " +
				"\"criteria_total\": int, \"comments\": [string]}."},
			{Role: "user", Content: fmt.Sprintf(
				"Task: %s\n\nAcceptance criteria:\n- %s\n\nCandidate code:\n%s",
				c.Title, criteria, code.String())},
		},
	})
	if err != nil {
		return nil, err
	}

	var env reviewEnvelope
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &env); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("malformed review response: %w", err))
	}
	if env.CriteriaTotal == 0 {
		env.CriteriaTotal = len(c.AcceptanceCriteria)
	}

	return &ReviewScore{
		WorkerID:      cand.WorkerID,
		Score:         env.Score,
		CriteriaMet:   env.CriteriaMet,
		CriteriaTotal: env.CriteriaTotal,
		Comments:      env.Comments,
	}, nil
}
