package developer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
)

// Evidence is the measured outcome data for one candidate, produced by the
// review and validation stages.
type Evidence struct {
	CoveragePercent float64 `json:"coverage_percent"`
	TestsPassed     int     `json:"tests_passed"`
	TestsTotal      int     `json:"tests_total"`
	CriteriaMet     int     `json:"criteria_met"`
	CriteriaTotal   int     `json:"criteria_total"`
}

// Score is one candidate's rubric breakdown. All dimensions sum to at most
// 100 points.
type Score struct {
	WorkerID        int     `json:"worker_id"`
	Profile         string  `json:"profile"`
	Syntax          float64 `json:"syntax"`           // 20
	TDDCompliance   float64 `json:"tdd_compliance"`   // 10
	Coverage        float64 `json:"coverage"`         // 15
	TestQuality     float64 `json:"test_quality"`     // 20
	Correctness     float64 `json:"correctness"`      // 15
	CodeQuality     float64 `json:"code_quality"`     // 15
	SimplicityBonus float64 `json:"simplicity_bonus"` // 5
	Total           float64 `json:"total"`
}

// Decision is the arbitration verdict.
type Decision struct {
	WinnerID   int     `json:"winner_id"`
	Scores     []Score `json:"scores"`
	ArtifactID string  `json:"artifact_id,omitempty"`
}

// Winner returns the winning candidate out of the scored set.
func (d *Decision) Winner(candidates []*Result) *Result {
	for _, c := range candidates {
		if c.WorkerID == d.WinnerID {
			return c
		}
	}
	return nil
}

// Arbitrator scores candidates on the fixed 100-point rubric and stores
// the verdict as an arbitration_score artifact.
type Arbitrator struct {
	store  *artifact.Store
	logger *slog.Logger
}

// ArbitratorOption configures an Arbitrator.
type ArbitratorOption func(*Arbitrator)

// WithArbitratorLogger sets the logger.
func WithArbitratorLogger(logger *slog.Logger) ArbitratorOption {
	return func(a *Arbitrator) {
		a.logger = logger
	}
}

// NewArbitrator creates an arbitrator persisting verdicts to store, which
// may be nil in tests.
func NewArbitrator(store *artifact.Store, opts ...ArbitratorOption) *Arbitrator {
	a := &Arbitrator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Arbitrate scores the successful candidates and picks a winner. evidence
// is keyed by worker ID; missing evidence scores those dimensions zero.
func (a *Arbitrator) Arbitrate(ctx context.Context, c *card.Card, candidates []*Result, evidence map[int]Evidence) (*Decision, error) {
	eligible := make([]*Result, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Succeeded() {
			eligible = append(eligible, cand)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("no eligible candidates to arbitrate")
	}

	// Candidates are scored in worker-ID order so the verdict is
	// reproducible run to run.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].WorkerID < eligible[j].WorkerID })

	simplicity := simplicityBonuses(eligible)
	scores := make([]Score, 0, len(eligible))
	for _, cand := range eligible {
		ev := evidence[cand.WorkerID]
		score := Score{
			WorkerID:        cand.WorkerID,
			Profile:         cand.Profile,
			Syntax:          syntaxScore(ctx, append(append([]File{}, cand.ImplementationFiles...), cand.TestFiles...)),
			TDDCompliance:   tddScore(cand),
			Coverage:        coverageScore(ev.CoveragePercent),
			TestQuality:     testQualityScore(cand, ev),
			Correctness:     correctnessScore(ev),
			CodeQuality:     codeQualityScore(cand),
			SimplicityBonus: simplicity[cand.WorkerID],
		}
		score.Total = score.Syntax + score.TDDCompliance + score.Coverage +
			score.TestQuality + score.Correctness + score.CodeQuality + score.SimplicityBonus
		scores = append(scores, score)
	}

	winner := pickWinner(scores, evidence)
	decision := &Decision{WinnerID: winner, Scores: scores}

	a.logger.Info("Arbitration decided",
		"card_id", c.CardID,
		"candidates", len(scores),
		"winner", winner)

	if a.store != nil {
		id, err := a.storeDecision(c, decision)
		if err != nil {
			return nil, err
		}
		decision.ArtifactID = id
	}
	return decision, nil
}

// pickWinner selects the highest total, breaking ties by simplicity bonus,
// then coverage, then conservative profile preference.
func pickWinner(scores []Score, evidence map[int]Evidence) int {
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Total != best.Total {
			if s.Total > best.Total {
				best = s
			}
			continue
		}
		if s.SimplicityBonus != best.SimplicityBonus {
			if s.SimplicityBonus > best.SimplicityBonus {
				best = s
			}
			continue
		}
		if cov, bestCov := evidence[s.WorkerID].CoveragePercent, evidence[best.WorkerID].CoveragePercent; cov != bestCov {
			if cov > bestCov {
				best = s
			}
			continue
		}
		if IsConservative(s.Profile) && !IsConservative(best.Profile) {
			best = s
		}
	}
	return best.WorkerID
}

func (a *Arbitrator) storeDecision(c *card.Card, decision *Decision) (string, error) {
	content, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal arbitration decision: %w", err)
	}

	candidateIDs := make([]int, 0, len(decision.Scores))
	var winnerProfile string
	for _, s := range decision.Scores {
		candidateIDs = append(candidateIDs, s.WorkerID)
		if s.WorkerID == decision.WinnerID {
			winnerProfile = s.Profile
		}
	}

	return a.store.Store(artifact.TypeArbitrationScore, c.CardID, c.Title, string(content),
		map[string]any{
			"candidates":     candidateIDs,
			"winner":         decision.WinnerID,
			"winner_profile": winnerProfile,
		})
}

// simplicityBonuses ranks candidates by total size: smallest 5, next 3,
// rest 1.
func simplicityBonuses(candidates []*Result) map[int]float64 {
	ranked := append([]*Result(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalBytes() != ranked[j].TotalBytes() {
			return ranked[i].TotalBytes() < ranked[j].TotalBytes()
		}
		return ranked[i].WorkerID < ranked[j].WorkerID
	})

	bonuses := map[int]float64{}
	for rank, cand := range ranked {
		switch rank {
		case 0:
			bonuses[cand.WorkerID] = 5
		case 1:
			bonuses[cand.WorkerID] = 3
		default:
			bonuses[cand.WorkerID] = 1
		}
	}
	return bonuses
}

// tddScore grants 6 points for tests being present at all and up to 4 more
// for a real test body count.
func tddScore(cand *Result) float64 {
	if len(cand.TestFiles) == 0 {
		return 0
	}
	score := 6.0
	n := countTests(cand.TestFiles)
	switch {
	case n >= 5:
		score += 4
	case n >= 3:
		score += 3
	case n >= 1:
		score += 2
	}
	return score
}

// coverageScore maps measured coverage onto the 15-point tier.
func coverageScore(percent float64) float64 {
	switch {
	case percent >= 90:
		return 15
	case percent >= 80:
		return 12
	case percent >= 60:
		return 8
	case percent >= 40:
		return 4
	case percent > 0:
		return 2
	default:
		return 0
	}
}

// testQualityScore combines pass rate (12 points) with test count variety
// (8 points).
func testQualityScore(cand *Result, ev Evidence) float64 {
	var score float64
	if ev.TestsTotal > 0 {
		score += float64(ev.TestsPassed) / float64(ev.TestsTotal) * 12
	}
	n := countTests(cand.TestFiles)
	switch {
	case n >= 10:
		score += 8
	case n >= 5:
		score += 6
	case n >= 2:
		score += 4
	case n >= 1:
		score += 2
	}
	if score > 20 {
		score = 20
	}
	return score
}

// correctnessScore is the satisfied share of acceptance criteria.
func correctnessScore(ev Evidence) float64 {
	if ev.CriteriaTotal == 0 {
		return 0
	}
	return float64(ev.CriteriaMet) / float64(ev.CriteriaTotal) * 15
}

// codeQualityScore is a readability heuristic: documentation density and
// line discipline across implementation files.
func codeQualityScore(cand *Result) float64 {
	var total, comments, overlong int
	for _, f := range cand.ImplementationFiles {
		for _, line := range strings.Split(f.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			total++
			if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") ||
				strings.HasPrefix(trimmed, `"""`) || strings.HasPrefix(trimmed, "*") {
				comments++
			}
			if len(line) > 120 {
				overlong++
			}
		}
	}
	if total == 0 {
		return 0
	}

	score := 7.0
	ratio := float64(comments) / float64(total)
	switch {
	case ratio >= 0.10:
		score += 5
	case ratio >= 0.05:
		score += 3
	case ratio > 0:
		score += 1
	}
	if float64(overlong)/float64(total) < 0.05 {
		score += 3
	}
	if score > 15 {
		score = 15
	}
	return score
}

var testPattern = regexp.MustCompile(`(?m)^\s*(def test_|func Test|it\(|test\(|describe\()`)

func countTests(files []File) int {
	n := 0
	for _, f := range files {
		n += len(testPattern.FindAllString(f.Content, -1))
	}
	return n
}
