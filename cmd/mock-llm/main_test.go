package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func postChat(t *testing.T, srv *server, req chatRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.handleChatCompletions(w, r)
	return w
}

func responseContent(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	return resp.Choices[0].Message.Content
}

func TestLoadFixturesSequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "review.1.json", `{"verdict":"reject"}`)
	writeFixture(t, dir, "review.2.json", `{"verdict":"approve"}`)
	writeFixture(t, dir, "review.json", `{"verdict":"approve"}`)
	writeFixture(t, dir, "analysis.json", `{"complexity":"simple"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if got := len(fixtures["review"]); got != 3 {
		t.Errorf("expected 3 review fixtures, got %d", got)
	}
	if got := len(fixtures["analysis"]); got != 1 {
		t.Errorf("expected 1 analysis fixture, got %d", got)
	}
}

func TestLoadFixturesRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "analysis.json", `not json`)

	if _, err := loadFixtures(dir); err == nil {
		t.Fatal("expected error for invalid JSON fixture")
	}
}

func TestStageRouting(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "analysis.json", `{"kind":"analysis"}`)
	writeFixture(t, dir, "development.json", `{"kind":"development"}`)
	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	srv := newServer(fixtures)

	tests := []struct {
		name   string
		system string
		want   string
	}{
		{
			name:   "analysis prompt routes to analysis fixture",
			system: "You analyze a development task before implementation.",
			want:   `{"kind":"analysis"}`,
		},
		{
			name:   "worker prompt routes to development fixture",
			system: `Respond with JSON only: {"implementation_files": []}`,
			want:   `{"kind":"development"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, srv, chatRequest{
				Model: "qwen2.5-coder",
				Messages: []chatMessage{
					{Role: "system", Content: tt.system},
					{Role: "user", Content: "do the thing"},
				},
			})
			if w.Code != http.StatusOK {
				t.Fatalf("status %d: %s", w.Code, w.Body.String())
			}
			if got := responseContent(t, w); got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModelFixtureBeatsStageRouting(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "analysis.json", `{"kind":"analysis"}`)
	writeFixture(t, dir, "special-model.json", `{"kind":"pinned"}`)
	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	srv := newServer(fixtures)

	w := postChat(t, srv, chatRequest{
		Model: "special-model",
		Messages: []chatMessage{
			{Role: "system", Content: "You analyze a development task before implementation."},
		},
	})
	if got := responseContent(t, w); got != `{"kind":"pinned"}` {
		t.Errorf("content = %q, want pinned fixture", got)
	}
}

func TestSequentialFixturesRepeatLast(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "review.1.json", `{"verdict":"reject"}`)
	writeFixture(t, dir, "review.json", `{"verdict":"approve"}`)
	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	srv := newServer(fixtures)

	req := chatRequest{
		Model: "m",
		Messages: []chatMessage{
			{Role: "system", Content: "You review code against acceptance criteria."},
		},
	}

	want := []string{`{"verdict":"reject"}`, `{"verdict":"approve"}`, `{"verdict":"approve"}`}
	for i, expected := range want {
		w := postChat(t, srv, req)
		if got := responseContent(t, w); got != expected {
			t.Errorf("call %d: content = %q, want %q", i+1, got, expected)
		}
	}
}

func TestUnknownRequestReturns404(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "analysis.json", `{}`)
	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	srv := newServer(fixtures)

	w := postChat(t, srv, chatRequest{
		Model: "unknown",
		Messages: []chatMessage{
			{Role: "system", Content: "no recognizable marker here"},
		},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStatsAndRequestsEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "analysis.json", `{}`)
	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	srv := newServer(fixtures)

	req := chatRequest{
		Model: "m",
		Messages: []chatMessage{
			{Role: "system", Content: "You analyze a development task before implementation."},
			{Role: "user", Content: "Fix the login bug"},
		},
	}
	postChat(t, srv, req)
	postChat(t, srv, req)

	w := httptest.NewRecorder()
	srv.handleStats(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		TotalCalls     int            `json:"total_calls"`
		CallsByFixture map[string]int `json:"calls_by_fixture"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.TotalCalls != 2 || stats.CallsByFixture["analysis"] != 2 {
		t.Errorf("stats = %+v, want 2 analysis calls", stats)
	}

	w = httptest.NewRecorder()
	srv.handleRequests(w, httptest.NewRequest(http.MethodGet, "/requests?fixture=analysis&call=2", nil))
	var captured struct {
		RequestsByFixture map[string][]capturedRequest `json:"requests_by_fixture"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &captured); err != nil {
		t.Fatalf("unmarshal requests: %v", err)
	}
	reqs := captured.RequestsByFixture["analysis"]
	if len(reqs) != 1 || reqs[0].CallIndex != 2 {
		t.Fatalf("captured = %+v, want single call index 2", reqs)
	}
	if reqs[0].Messages[1].Content != "Fix the login bug" {
		t.Errorf("captured user prompt = %q", reqs[0].Messages[1].Content)
	}
}
