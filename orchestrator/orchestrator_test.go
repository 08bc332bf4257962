package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/checkpoint"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/llm"
	_ "github.com/artemisengine/artemis/llm/providers"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/sandbox"
	"github.com/artemisengine/artemis/stage"
	"github.com/artemisengine/artemis/stages"
	"github.com/artemisengine/artemis/supervisor"
)

// scriptedGateway dispatches canned responses by inspecting the prompt, so
// one handler can serve every stage of a run.
type scriptedGateway struct {
	analysisCalls atomic.Int64
	failCoding    atomic.Bool
}

func (g *scriptedGateway) handler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		prompt := string(body)

		var content string
		switch {
		case strings.Contains(prompt, "analyze a development task"):
			g.analysisCalls.Add(1)
			content = `{"summary": "Trivial fix.", "approved_changes": ["fix spelling"], "risks": []}`
		case strings.Contains(prompt, "architecture decision records"):
			content = `{"decision": "Edit the message in place", "rationale": "one-line change", "dependencies": []}`
		case strings.Contains(prompt, "implementation_files"):
			if g.failCoding.Load() {
				http.Error(w, `{"error": "invalid key"}`, http.StatusUnauthorized)
				return
			}
			env := map[string]any{
				"implementation_files": []map[string]string{
					{"path": "errors.py", "content": "MESSAGE = 'budget exceeded'\n"},
				},
				"test_files": []map[string]string{},
				"notes":      "spelling fixed",
			}
			data, marshalErr := json.Marshal(env)
			require.NoError(t, marshalErr)
			content = string(data)
		case strings.Contains(prompt, "review code against acceptance criteria"):
			content = `{"score": 95, "criteria_met": 1, "criteria_total": 1, "comments": []}`
		default:
			t.Errorf("unexpected prompt: %s", prompt)
			http.Error(w, "unexpected prompt", http.StatusBadRequest)
			return
		}

		resp := map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 60, "total_tokens": 100},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

type fixture struct {
	orch    *Orchestrator
	board   *card.Board
	cpm     *checkpoint.Manager
	gateway *scriptedGateway
	bus     *messaging.Bus
	workDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	gw := &scriptedGateway{}
	server := httptest.NewServer(gw.handler(t))
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
	client := llm.NewClient(registry)

	store, err := artifact.NewStore(filepath.Join(dir, "artifacts.jsonl"))
	require.NoError(t, err)
	exec, err := sandbox.NewExecutor(filepath.Join(dir, "sandbox"))
	require.NoError(t, err)

	boardPath := filepath.Join(dir, "board.json")
	boardJSON := `{"cards": [{"card_id": "c-1", "title": "Fix typo in error message",
		"description": "The budget error says 'exceded'", "priority": "low",
		"story_points": 1, "acceptance_criteria": ["message spelled correctly"],
		"column": "todo"}]}`
	require.NoError(t, os.WriteFile(boardPath, []byte(boardJSON), 0o644))
	board, err := card.LoadBoard(boardPath)
	require.NoError(t, err)

	cpm, err := checkpoint.NewManager(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)

	bus, err := messaging.NewBus(filepath.Join(dir, "mailboxes"))
	require.NoError(t, err)
	require.NoError(t, bus.Register("orchestrator", []string{"orchestration"}, "active"))

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sup := supervisor.New(
		supervisor.WithLogger(quiet),
		supervisor.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)

	deps := stage.Deps{
		Bus:       bus,
		Artifacts: store,
		LLM:       client,
		Sandbox:   exec,
		Logger:    quiet,
		AgentName: "orchestrator",
	}
	workDir := filepath.Join(dir, "work")
	orch := New(deps, stages.DefaultConfig(workDir), sup, cpm,
		WithBoard(board), WithLogger(quiet))

	return &fixture{orch: orch, board: board, cpm: cpm, gateway: gw, bus: bus, workDir: workDir}
}

func TestRun_SimpleCardEndToEnd(t *testing.T) {
	f := newFixture(t)
	c, err := f.board.Get("c-1")
	require.NoError(t, err)

	report, err := f.orch.Run(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, report.Completed())
	assert.Empty(t, report.FailedStage)
	assert.Equal(t, 1, report.Plan.ParallelDevelopers)
	assert.Contains(t, report.Plan.SkipStages, "arbitration")
	assert.NotContains(t, report.Plan.Stages, "arbitration")
	assert.False(t, report.ProductionReady, "a candidate without tests is not production ready")
	require.NotNil(t, report.Statistics)

	// The winner's files landed in the working copy.
	integrated := filepath.Join(f.workDir, "c-1", "src", "errors.py")
	data, err := os.ReadFile(integrated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "budget exceeded")

	cp, err := f.cpm.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, len(report.Plan.Stages), cp.StagesCompleted)

	assert.Equal(t, "done", c.Column)

	// Each LLM-backed stage durably records its prompt/response exchanges,
	// so a resumed run can replay them without a provider call.
	for _, stageName := range []string{"analysis", "architecture", "development", "review"} {
		record, ok := cp.StageCheckpoints[stageName]
		require.True(t, ok, stageName)
		require.NotEmpty(t, record.LLMResponses, stageName)
		exchange := f.cpm.CachedLLMResponse("c-1", stageName, record.LLMResponses[0].PromptHash)
		require.NotNil(t, exchange, stageName)
		assert.Equal(t, record.LLMResponses[0].Response, exchange.Response)
	}

	shared, err := f.bus.Shared().Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline_completed", shared.SharedData["type"])
}

func TestRun_CircuitOpenWithoutFallbackFailsRun(t *testing.T) {
	f := newFixture(t)
	sup := f.orch.supervisor
	sup.RegisterStage("testing", supervisor.RecoveryStrategy{
		MaxRetries:              0,
		CircuitBreakerThreshold: 1,
		CircuitBreakerTimeout:   time.Hour,
	})

	// Trip the breaker before the run.
	outcome := sup.ExecuteWithSupervision(context.Background(), "testing",
		func(context.Context) (map[string]any, error) {
			return nil, errors.New("suite runner crashed")
		})
	require.Equal(t, supervisor.StatusFailed, outcome.Status)

	c, err := f.board.Get("c-1")
	require.NoError(t, err)
	report, err := f.orch.Run(context.Background(), c)
	require.NoError(t, err)

	// No fallback exists for testing, so the skip terminates the run.
	assert.False(t, report.Completed())
	assert.Equal(t, "testing", report.FailedStage)
	assert.Equal(t, "circuit_open", report.ErrorKind)
	assert.Contains(t, report.SkippedStages, "testing")

	// The checkpoint records the stage as skipped, but the run as failed.
	cp, err := f.cpm.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Contains(t, cp.SkippedStages, "testing")
	assert.NotContains(t, cp.FailedStages, "testing")
	assert.Equal(t, "blocked", c.Column)
}

func TestRun_FatalErrorStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.gateway.failCoding.Store(true)
	c, err := f.board.Get("c-1")
	require.NoError(t, err)

	report, err := f.orch.Run(context.Background(), c)
	require.NoError(t, err, "a failed run still yields a report")

	assert.False(t, report.Completed())
	assert.Equal(t, "development", report.FailedStage)
	require.Error(t, report.Err)

	cp, err := f.cpm.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Contains(t, cp.FailedStages, "development")
	assert.Equal(t, "blocked", c.Column)
}

func TestRun_ResumeSkipsCompletedStages(t *testing.T) {
	f := newFixture(t)
	f.gateway.failCoding.Store(true)
	c, err := f.board.Get("c-1")
	require.NoError(t, err)

	report, err := f.orch.Run(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, "development", report.FailedStage)
	require.EqualValues(t, 1, f.gateway.analysisCalls.Load())

	// The transient condition clears; the next run picks up mid-pipeline.
	f.gateway.failCoding.Store(false)
	report, err = f.orch.Run(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, report.Resumed)
	assert.True(t, report.Completed())
	assert.EqualValues(t, 1, f.gateway.analysisCalls.Load(),
		"completed stages are not re-executed on resume")
	assert.Equal(t, "done", c.Column)
}

func TestRehydrate(t *testing.T) {
	// Simulate what a checkpoint round-trip does to stage output: every
	// typed value decays into generic JSON shapes.
	original := map[string]any{
		stages.KeyDeveloperResults: []*developer.Result{
			{WorkerID: 1, Profile: "conservative", Status: developer.StatusCompleted,
				ImplementationFiles: []developer.File{{Path: "a.py", Content: "x = 1\n"}}},
		},
		stages.KeyValidationEvidence: map[int]developer.Evidence{
			1: {CoveragePercent: 80, TestsPassed: 2, TestsTotal: 2},
		},
		stages.KeyDependencies: []string{"requests"},
		stages.KeyADRFile:      "/tmp/adr.md",
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	var decayed map[string]any
	require.NoError(t, json.Unmarshal(data, &decayed))

	restored, err := rehydrate(decayed)
	require.NoError(t, err)

	results, ok := restored[stages.KeyDeveloperResults].([]*developer.Result)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "conservative", results[0].Profile)
	assert.True(t, results[0].Succeeded())

	evidence, ok := restored[stages.KeyValidationEvidence].(map[int]developer.Evidence)
	require.True(t, ok)
	assert.Equal(t, 80.0, evidence[1].CoveragePercent)

	assert.Equal(t, []string{"requests"}, restored[stages.KeyDependencies])
	assert.Equal(t, "/tmp/adr.md", restored[stages.KeyADRFile])
}
