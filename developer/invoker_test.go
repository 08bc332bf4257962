package developer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	_ "github.com/artemisengine/artemis/llm/providers"
	"github.com/artemisengine/artemis/model"
)

func testGateway(t *testing.T, handler http.HandlerFunc) *llm.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	registry := model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityCoding: {Preferred: []string{"local"}},
		},
		map[string]*model.EndpointConfig{
			"local": {Provider: "ollama", URL: server.URL, Model: "test-model"},
		},
	)
	return llm.NewClient(registry)
}

// completionWith wraps content into an OpenAI-compatible chat response.
func completionWith(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 200, "total_tokens": 300},
	}
	require.NoError(t, json.NewEncoder(w).Encode(resp))
}

func workerEnvelope(t *testing.T) string {
	t.Helper()
	env := map[string]any{
		"implementation_files": []map[string]string{
			{"path": "fizz.py", "content": "def fizz(n):\n    return n * 2\n"},
		},
		"test_files": []map[string]string{
			{"path": "test_fizz.py", "content": "def test_fizz():\n    assert fizz(2) == 4\n"},
		},
		"notes": "straightforward",
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

func developmentCard() *card.Card {
	return &card.Card{
		CardID:             "c-2",
		Title:              "Integrate OAuth2 refresh",
		Description:        "Add refresh-token rotation across service boundaries",
		Priority:           "high",
		StoryPoints:        13,
		AcceptanceCriteria: []string{"tokens rotate", "old tokens revoked"},
	}
}

func TestInvoker_FanOut(t *testing.T) {
	gateway := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		completionWith(t, w, workerEnvelope(t))
	})
	scratch := t.TempDir()
	invoker := NewInvoker(gateway, scratch)

	results, err := invoker.Invoke(context.Background(), developmentCard(), "# ADR\nUse rotation.", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i+1, r.WorkerID, "results collated in worker order")
		assert.Equal(t, StatusCompleted, r.Status)
		assert.Equal(t, ProfileFor(i+1).Name, r.Profile)
		assert.Equal(t, 300, r.TokensUsed)
		require.Len(t, r.ImplementationFiles, 1)

		// Files landed in the worker-private scratch dir.
		path := filepath.Join(scratch, fmt.Sprintf("worker-%d", i+1), "fizz.py")
		_, statErr := os.Stat(path)
		assert.NoError(t, statErr, "worker %d file persisted", i+1)
	}
	assert.NotEqual(t, results[0].Profile, results[1].Profile, "workers get distinct profiles")
}

func TestInvoker_AllWorkersFailing(t *testing.T) {
	gateway := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid key"}`, http.StatusUnauthorized)
	})
	invoker := NewInvoker(gateway, t.TempDir())

	results, err := invoker.Invoke(context.Background(), developmentCard(), "", 2)
	require.Error(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusFailed, r.Status)
		assert.NotEmpty(t, r.Error)
	}
}

func TestInvoker_FailingWorkerDoesNotCancelPeers(t *testing.T) {
	var calls atomic.Int64
	gateway := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error": "invalid key"}`, http.StatusUnauthorized)
			return
		}
		completionWith(t, w, workerEnvelope(t))
	})
	invoker := NewInvoker(gateway, t.TempDir())

	results, err := invoker.Invoke(context.Background(), developmentCard(), "", 3)
	require.NoError(t, err, "arbitration proceeds over the successful subset")

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	assert.Equal(t, 2, succeeded)
}

func TestInvoker_MalformedEnvelope(t *testing.T) {
	gateway := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		completionWith(t, w, "this is not json at all")
	})
	invoker := NewInvoker(gateway, t.TempDir())

	results, err := invoker.Invoke(context.Background(), developmentCard(), "", 1)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "envelope")
}

func TestInvoker_RejectsEscapingPaths(t *testing.T) {
	env := map[string]any{
		"implementation_files": []map[string]string{
			{"path": "../../etc/cron.d/evil", "content": "boom"},
		},
		"test_files": []map[string]string{},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	gateway := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		completionWith(t, w, string(data))
	})
	invoker := NewInvoker(gateway, t.TempDir())

	results, invokeErr := invoker.Invoke(context.Background(), developmentCard(), "", 1)
	require.Error(t, invokeErr)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "illegal path")
}

func TestProfileFor_Deterministic(t *testing.T) {
	assert.Equal(t, "conservative", ProfileFor(1).Name)
	assert.Equal(t, "aggressive", ProfileFor(2).Name)
	assert.Equal(t, "balanced", ProfileFor(3).Name)
	assert.Equal(t, ProfileFor(1), ProfileFor(1))
}
