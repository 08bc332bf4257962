package stages

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/llm"
	_ "github.com/artemisengine/artemis/llm/providers"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/sandbox"
	"github.com/artemisengine/artemis/stage"
)

func stageGateway(t *testing.T, handler http.HandlerFunc) *llm.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityPlanning:  {Preferred: []string{"local"}},
			model.CapabilityCoding:    {Preferred: []string{"local"}},
			model.CapabilityReviewing: {Preferred: []string{"local"}},
		},
		map[string]*model.EndpointConfig{
			"local": {Provider: "ollama", URL: server.URL, Model: "test-model"},
		},
	)
	return llm.NewClient(registry)
}

// jsonCompletion answers any chat request with content as the assistant turn.
func jsonCompletion(t *testing.T, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 50, "completion_tokens": 80, "total_tokens": 130},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func testDeps(t *testing.T, gateway *llm.Client) (stage.Deps, Config) {
	t.Helper()
	dir := t.TempDir()

	store, err := artifact.NewStore(filepath.Join(dir, "artifacts.jsonl"))
	require.NoError(t, err)
	exec, err := sandbox.NewExecutor(filepath.Join(dir, "sandbox"))
	require.NoError(t, err)

	deps := stage.Deps{
		Artifacts: store,
		LLM:       gateway,
		Sandbox:   exec,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		AgentName: "pipeline",
	}
	return deps, DefaultConfig(filepath.Join(dir, "work"))
}

func simpleCard() *card.Card {
	return &card.Card{
		CardID:             "c-1",
		Title:              "Fix typo in error message",
		Description:        "The budget error says 'exceded'",
		Priority:           "low",
		StoryPoints:        1,
		AcceptanceCriteria: []string{"message spelled correctly"},
	}
}

func candidate(id int, status string, impl, tests []developer.File) *developer.Result {
	return &developer.Result{
		WorkerID:            id,
		Profile:             developer.ProfileFor(id).Name,
		Status:              status,
		ImplementationFiles: impl,
		TestFiles:           tests,
	}
}

func TestAnalysis_AutoApprove(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t,
		`{"summary": "One-line fix.", "approved_changes": ["fix spelling"], "risks": []}`))
	deps, cfg := testDeps(t, gateway)

	s := NewAnalysis(deps, cfg)
	output, err := s.Run(context.Background(), simpleCard(), stage.NewContext())
	require.NoError(t, err)

	report := output[KeyAnalysisReport].(string)
	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), "One-line fix.")
	assert.Equal(t, []string{"fix spelling"}, output[KeyApprovedChanges])
}

func TestAnalysis_MalformedResponseIsTransient(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t, "I refuse to answer in JSON."))
	deps, cfg := testDeps(t, gateway)

	s := NewAnalysis(deps, cfg)
	_, err := s.Run(context.Background(), simpleCard(), stage.NewContext())
	require.Error(t, err)
	assert.False(t, llm.IsFatal(err), "malformed output should stay retryable")
}

func TestAnalysis_ApprovalGate(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t,
		`{"summary": "ok", "approved_changes": ["a"], "risks": ["r"]}`))
	deps, cfg := testDeps(t, gateway)

	bus, err := messaging.NewBus(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bus.Register("pipeline", []string{"orchestration"}, "active"))
	require.NoError(t, bus.Register("reviewer", []string{"review"}, "active"))
	deps.Bus = bus

	cfg.AutoApprove = false
	cfg.ApprovalTimeout = 5 * time.Second
	cfg.ApprovalPollInterval = 10 * time.Millisecond

	// Queue the verdict before the stage starts polling.
	approval := messaging.NewMessage("reviewer", "pipeline", messaging.TypeResponse,
		"c-1", map[string]any{"approved": true})
	require.NoError(t, bus.Send(approval))

	s := NewAnalysis(deps, cfg)
	_, err = s.Run(context.Background(), simpleCard(), stage.NewContext())
	require.NoError(t, err)

	// A rejection is final: retrying analysis cannot change the verdict.
	rejection := messaging.NewMessage("reviewer", "pipeline", messaging.TypeResponse,
		"c-1", map[string]any{"approved": false})
	require.NoError(t, bus.Send(rejection))
	_, err = s.Run(context.Background(), simpleCard(), stage.NewContext())
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestAnalysis_ApprovalWakesOnInboxEvent(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t,
		`{"summary": "ok", "approved_changes": ["a"], "risks": []}`))
	deps, cfg := testDeps(t, gateway)

	bus, err := messaging.NewBus(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bus.Register("pipeline", []string{"orchestration"}, "active"))
	require.NoError(t, bus.Register("reviewer", []string{"review"}, "active"))
	deps.Bus = bus

	cfg.AutoApprove = false
	cfg.ApprovalTimeout = 10 * time.Second
	// The poll fallback alone cannot answer inside the timeout; only the
	// inbox watch can.
	cfg.ApprovalPollInterval = time.Minute

	go func() {
		time.Sleep(200 * time.Millisecond)
		approval := messaging.NewMessage("reviewer", "pipeline", messaging.TypeResponse,
			"c-1", map[string]any{"approved": true})
		assert.NoError(t, bus.Send(approval))
	}()

	start := time.Now()
	s := NewAnalysis(deps, cfg)
	_, err = s.Run(context.Background(), simpleCard(), stage.NewContext())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second,
		"the verdict arrives without waiting out a poll interval")
}

func TestArchitecture_ProducesADRAndDependencies(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t,
		`{"decision": "Use the stdlib", "rationale": "small task", "dependencies": ["requests"]}`))
	deps, cfg := testDeps(t, gateway)

	reportPath := filepath.Join(cfg.WorkDir, "c-1", "analysis_report.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(reportPath), 0o755))
	require.NoError(t, os.WriteFile(reportPath, []byte("# Analysis\nfix it"), 0o644))

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyAnalysisReport, reportPath))

	s := NewArchitecture(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)

	adr, err := os.ReadFile(output[KeyADRFile].(string))
	require.NoError(t, err)
	assert.Contains(t, string(adr), "Use the stdlib")
	assert.Equal(t, []string{"requests"}, output[KeyDependencies])
}

func TestDependencies_CompatibilityChecks(t *testing.T) {
	deps, cfg := testDeps(t, nil)
	cfg.KnownDependencies = map[string]string{"requests": "2.31.0"}
	cfg.DeniedDependencies = []string{"cryptominer"}

	run := func(identified []string) (map[string]any, error) {
		pctx := stage.NewContext()
		require.NoError(t, pctx.Set(KeyDependencies, identified))
		s := NewDependencies(deps, cfg)
		require.NoError(t, s.Setup(pctx))
		return s.Run(context.Background(), simpleCard(), pctx)
	}

	output, err := run([]string{"requests"})
	require.NoError(t, err)
	data, err := os.ReadFile(output[KeyRequirementsFile].(string))
	require.NoError(t, err)
	assert.Equal(t, "requests==2.31.0\n", string(data))

	_, err = run([]string{"leftpad"})
	require.Error(t, err, "unknown dependency is a hard block")
	assert.True(t, llm.IsFatal(err))

	_, err = run([]string{"cryptominer"})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestValidation_ApprovesAndDisqualifies(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	clean := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: "fizz.py", Content: "def fizz(n):\n    return n * 2\n"}},
		nil) // no tests declared, approved with empty evidence
	malicious := candidate(2, developer.StatusCompleted,
		[]developer.File{{Path: "evil.py", Content: "import socket\nsocket.socket().connect(('203.0.113.5', 80))\n"}},
		[]developer.File{{Path: "test_evil.py", Content: "def test_evil():\n    pass\n"}})
	failed := candidate(3, developer.StatusFailed, nil, nil)

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyDeveloperResults,
		[]*developer.Result{clean, malicious, failed}))

	s := NewValidation(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)

	approved := output[KeyApprovedCandidates].([]int)
	assert.Equal(t, []int{1}, approved)
	assert.Equal(t, developer.StatusDisqualified, malicious.Status)

	evidence := output[KeyValidationEvidence].(map[int]developer.Evidence)
	_, hasMalicious := evidence[2]
	assert.False(t, hasMalicious, "disqualified candidates carry no evidence")
	_, hasFailed := evidence[3]
	assert.False(t, hasFailed, "failed workers are never validated")
}

func TestValidation_AllDisqualifiedFails(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	malicious := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: "evil.py", Content: "import subprocess\nsubprocess.run(['ls'])\n"}},
		[]developer.File{{Path: "test_evil.py", Content: "def test_evil():\n    pass\n"}})

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyDeveloperResults, []*developer.Result{malicious}))

	s := NewValidation(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	_, err := s.Run(context.Background(), simpleCard(), pctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disqualified")
}

func TestParseTestCounts(t *testing.T) {
	passed, total := parseTestCounts("setup\nPASSED=4 FAILED=1\n")
	assert.Equal(t, 4, passed)
	assert.Equal(t, 5, total)

	passed, total = parseTestCounts("no marker here")
	assert.Zero(t, passed)
	assert.Zero(t, total)

	assert.Equal(t, 87.5, parseCoverage("coverage: 87.5%"))
	assert.Zero(t, parseCoverage("nothing"))
}

func TestArbitrationStage_MergesReviewEvidence(t *testing.T) {
	deps, _ := testDeps(t, nil)
	arbitrator := developer.NewArbitrator(deps.Artifacts)

	impl := []developer.File{{Path: "fizz.py", Content: "def fizz(n):\n    return n * 2\n"}}
	tests := []developer.File{{Path: "test_fizz.py", Content: "def test_fizz():\n    assert fizz(2) == 4\n"}}
	a := candidate(1, developer.StatusCompleted, impl, tests)
	b := candidate(2, developer.StatusCompleted, impl, tests)

	evidence := map[int]developer.Evidence{
		1: {CoveragePercent: 85, TestsPassed: 3, TestsTotal: 3},
		2: {CoveragePercent: 85, TestsPassed: 3, TestsTotal: 3},
	}
	// Reviews break the tie: worker 2 meets every criterion, worker 1 none.
	reviews := map[int]*ReviewScore{
		1: {WorkerID: 1, CriteriaMet: 0, CriteriaTotal: 2},
		2: {WorkerID: 2, CriteriaMet: 2, CriteriaTotal: 2},
	}

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyDeveloperResults, []*developer.Result{a, b}))
	require.NoError(t, pctx.Set(KeyValidationEvidence, evidence))
	require.NoError(t, pctx.Set(KeyReviewScores, reviews))

	s := NewArbitration(deps, arbitrator)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)

	winner := output[KeyWinner].(*developer.Result)
	assert.Equal(t, 2, winner.WorkerID)
	decision := output[KeyArbitration].(*developer.Decision)
	assert.Len(t, decision.Scores, 2)
}

func TestArbitrationStage_RequiresEvidence(t *testing.T) {
	deps, _ := testDeps(t, nil)
	s := NewArbitration(deps, developer.NewArbitrator(deps.Artifacts))

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyDeveloperResults, []*developer.Result{
		candidate(1, developer.StatusCompleted, nil, nil),
	}))
	require.Error(t, s.Setup(pctx))
}

func TestIntegration_AppliesWinnerFiles(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	winner := candidate(2, developer.StatusCompleted,
		[]developer.File{{Path: "pkg/fizz.py", Content: "def fizz(n):\n    return n * 2\n"}},
		[]developer.File{{Path: "test_fizz.py", Content: "def test_fizz():\n    assert fizz(2) == 4\n"}})

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyWinner, winner))

	s := NewIntegration(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)
	assert.Equal(t, "integrated", output[KeyIntegrationStatus])

	integrated := filepath.Join(cfg.WorkDir, "c-1", "src", "pkg", "fizz.py")
	data, err := os.ReadFile(integrated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "def fizz")

	ids, err := s.StoreResult(simpleCard(), output)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	stored := deps.Artifacts.Get(ids[0])
	require.NotNil(t, stored)
	assert.Equal(t, artifact.TypeIntegrationResult, stored.Type)
}

func TestIntegration_RejectsEscapingPath(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	winner := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: "../../etc/hosts", Content: "boom"}}, nil)

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyWinner, winner))

	s := NewIntegration(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	_, err := s.Run(context.Background(), simpleCard(), pctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestIntegration_RejectsProtectedPath(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	winner := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: ".git/hooks/post-commit", Content: "#!/bin/sh"}}, nil)

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyWinner, winner))

	s := NewIntegration(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	_, err := s.Run(context.Background(), simpleCard(), pctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protected path")
}

func TestTesting_NoTestsMeansNotProductionReady(t *testing.T) {
	deps, cfg := testDeps(t, nil)

	winner := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: "fizz.py", Content: "def fizz(n):\n    return n\n"}}, nil)

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyWinner, winner))

	s := NewTesting(deps, cfg)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)
	assert.Equal(t, "no_tests", output[KeyTestingStatus])
	assert.Equal(t, false, output[KeyProductionReady])
}

func TestReview_ScoresEverySuccessfulCandidate(t *testing.T) {
	gateway := stageGateway(t, jsonCompletion(t,
		`{"score": 78, "criteria_met": 1, "criteria_total": 1, "comments": ["fine"]}`))
	deps, _ := testDeps(t, gateway)

	a := candidate(1, developer.StatusCompleted,
		[]developer.File{{Path: "fizz.py", Content: "def fizz(n):\n    return n\n"}}, nil)
	b := candidate(2, developer.StatusFailed, nil, nil)

	pctx := stage.NewContext()
	require.NoError(t, pctx.Set(KeyDeveloperResults, []*developer.Result{a, b}))

	s := NewReview(deps)
	require.NoError(t, s.Setup(pctx))
	output, err := s.Run(context.Background(), simpleCard(), pctx)
	require.NoError(t, err)

	scores := output[KeyReviewScores].(map[int]*ReviewScore)
	require.Len(t, scores, 1)
	assert.Equal(t, 78.0, scores[1].Score)
	assert.Equal(t, 1, scores[1].CriteriaMet)
}
