package developer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemisengine/artemis/artifact"
)

func candidate(workerID int, profile string, impl, tests string) *Result {
	return &Result{
		WorkerID: workerID,
		Profile:  profile,
		Status:   StatusCompleted,
		ImplementationFiles: []File{
			{Path: "solution.py", Content: impl},
		},
		TestFiles: []File{
			{Path: "test_solution.py", Content: tests},
		},
	}
}

const cleanImpl = `# Rotate refresh tokens.
def rotate(token):
    """Issue a replacement token and revoke the old one."""
    return token + "-next"
`

const cleanTests = `def test_rotate():
    assert rotate("a") == "a-next"

def test_rotate_chains():
    assert rotate(rotate("a")) == "a-next-next"

def test_rotate_empty():
    assert rotate("") == "-next"
`

const brokenImpl = `def rotate(token:
    return token +
`

func TestArbitrate_PicksHighestTotal(t *testing.T) {
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts.jsonl"))
	require.NoError(t, err)
	arb := NewArbitrator(store)

	candidates := []*Result{
		candidate(1, "conservative", cleanImpl, cleanTests),
		candidate(2, "aggressive", brokenImpl, ""),
		candidate(3, "balanced", cleanImpl, cleanTests),
	}
	candidates[1].TestFiles = nil

	evidence := map[int]Evidence{
		1: {CoveragePercent: 92, TestsPassed: 3, TestsTotal: 3, CriteriaMet: 2, CriteriaTotal: 2},
		2: {CoveragePercent: 10, TestsPassed: 0, TestsTotal: 0, CriteriaMet: 0, CriteriaTotal: 2},
		3: {CoveragePercent: 85, TestsPassed: 3, TestsTotal: 3, CriteriaMet: 1, CriteriaTotal: 2},
	}

	c := developmentCard()
	decision, err := arb.Arbitrate(context.Background(), c, candidates, evidence)
	require.NoError(t, err)
	assert.Equal(t, 1, decision.WinnerID)
	require.Len(t, decision.Scores, 3)

	for _, s := range decision.Scores {
		assert.LessOrEqual(t, s.Total, 100.0, "worker %d exceeds the rubric cap", s.WorkerID)
		assert.GreaterOrEqual(t, s.Total, 0.0)
	}

	// The verdict is durable: one arbitration_score artifact carrying the
	// full candidate set.
	require.NotEmpty(t, decision.ArtifactID)
	stored := store.Get(decision.ArtifactID)
	require.NotNil(t, stored)
	assert.Equal(t, artifact.TypeArbitrationScore, stored.Type)
	assert.Len(t, stored.Metadata["candidates"], 3)
	assert.EqualValues(t, 1, stored.Metadata["winner"])
}

func TestArbitrate_SkipsFailedCandidates(t *testing.T) {
	arb := NewArbitrator(nil)

	failed := candidate(1, "conservative", cleanImpl, cleanTests)
	failed.Status = StatusFailed
	disqualified := candidate(2, "aggressive", cleanImpl, cleanTests)
	disqualified.Disqualify("security_scan")
	ok := candidate(3, "balanced", cleanImpl, cleanTests)

	decision, err := arb.Arbitrate(context.Background(), developmentCard(),
		[]*Result{failed, disqualified, ok}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, decision.WinnerID)
	assert.Len(t, decision.Scores, 1)
}

func TestArbitrate_NoEligibleCandidates(t *testing.T) {
	arb := NewArbitrator(nil)

	failed := candidate(1, "conservative", cleanImpl, cleanTests)
	failed.Status = StatusFailed

	_, err := arb.Arbitrate(context.Background(), developmentCard(), []*Result{failed}, nil)
	assert.Error(t, err)
}

func TestPickWinner_TieBreaks(t *testing.T) {
	evidence := map[int]Evidence{
		1: {CoveragePercent: 80},
		2: {CoveragePercent: 90},
		3: {CoveragePercent: 90},
	}

	// Equal totals: higher simplicity bonus wins.
	winner := pickWinner([]Score{
		{WorkerID: 1, Profile: "conservative", Total: 80, SimplicityBonus: 3},
		{WorkerID: 2, Profile: "aggressive", Total: 80, SimplicityBonus: 5},
	}, evidence)
	assert.Equal(t, 2, winner)

	// Equal totals and bonuses: higher coverage wins.
	winner = pickWinner([]Score{
		{WorkerID: 1, Profile: "conservative", Total: 80, SimplicityBonus: 5},
		{WorkerID: 2, Profile: "aggressive", Total: 80, SimplicityBonus: 5},
	}, evidence)
	assert.Equal(t, 2, winner)

	// Everything equal: conservative preference decides.
	winner = pickWinner([]Score{
		{WorkerID: 2, Profile: "aggressive", Total: 80, SimplicityBonus: 5},
		{WorkerID: 3, Profile: "conservative", Total: 80, SimplicityBonus: 5},
	}, evidence)
	assert.Equal(t, 3, winner)
}

func TestSyntaxScore(t *testing.T) {
	ctx := context.Background()

	clean := syntaxScore(ctx, []File{{Path: "a.py", Content: cleanImpl}})
	assert.Equal(t, 20.0, clean, "clean parse gets full marks")

	broken := syntaxScore(ctx, []File{{Path: "a.py", Content: brokenImpl}})
	assert.Less(t, broken, clean)

	unknown := syntaxScore(ctx, []File{{Path: "a.rs", Content: "fn main() {}"}})
	assert.Equal(t, 10.0, unknown, "unparseable languages get half credit")
}

func TestCoverageScoreTiers(t *testing.T) {
	assert.Equal(t, 15.0, coverageScore(95))
	assert.Equal(t, 12.0, coverageScore(85))
	assert.Equal(t, 8.0, coverageScore(70))
	assert.Equal(t, 4.0, coverageScore(50))
	assert.Equal(t, 2.0, coverageScore(10))
	assert.Equal(t, 0.0, coverageScore(0))
}

func TestSimplicityBonuses(t *testing.T) {
	small := candidate(1, "conservative", "x = 1\n", "")
	medium := candidate(2, "aggressive", cleanImpl, cleanTests)
	large := candidate(3, "balanced", cleanImpl+cleanImpl+cleanImpl, cleanTests)

	bonuses := simplicityBonuses([]*Result{medium, large, small})
	assert.Equal(t, 5.0, bonuses[1])
	assert.Equal(t, 3.0, bonuses[2])
	assert.Equal(t, 1.0, bonuses[3])
}
