// Package main implements a mock LLM server for pipeline wiring tests.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON
// fixture files so a full card run needs no real model, no network, and
// no API key.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixtures are routed by pipeline stage. The server inspects the system
// prompt of each request and maps it to one of the stages that talk to
// the gateway (analysis, architecture, development, review); the fixture
// file "<stage>.json" is returned as the assistant message. A fixture
// named after the requested model takes precedence over stage routing.
//
// Sequential fixtures: if numbered files exist ("review.1.json",
// "review.2.json"), the Nth call for that stage returns the Nth fixture,
// then the base "review.json" repeats. This drives rejection and
// re-review loops deterministically.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// stageMarkers maps a distinctive fragment of each stage's system prompt
// to its fixture key. Checked in order; the developer worker marker comes
// last because its envelope keys can appear inside other prompts.
var stageMarkers = []struct {
	fragment string
	stage    string
}{
	{"analyze a development task", "analysis"},
	{"architecture decision records", "architecture"},
	{"review code against acceptance criteria", "review"},
	{"implementation_files", "development"},
}

// detectStage classifies a request by its system prompt.
func detectStage(req chatRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "system" {
			continue
		}
		for _, m := range stageMarkers {
			if strings.Contains(msg.Content, m.fragment) {
				return m.stage
			}
		}
	}
	return ""
}

// capturedRequest stores the key fields of an incoming request so tests
// can assert on the prompts the pipeline actually sent.
type capturedRequest struct {
	Model     string        `json:"model"`
	Stage     string        `json:"stage"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string
	calls    atomic.Int64

	mu       sync.Mutex
	counters map[string]int
	captured map[string][]capturedRequest
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures: fixtures,
		counters: make(map[string]int),
		captured: make(map[string][]capturedRequest),
	}
}

// resolve picks a fixture key for the request: exact model name first,
// then the detected pipeline stage. Returns "" when nothing matches.
func (s *server) resolve(req chatRequest) string {
	if _, ok := s.fixtures[req.Model]; ok {
		return req.Model
	}
	if stage := detectStage(req); stage != "" {
		if _, ok := s.fixtures[stage]; ok {
			return stage
		}
	}
	return ""
}

// next returns the fixture content for one more call against key and
// records the request for the /requests endpoint.
func (s *server) next(key string, req chatRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.counters[key]
	s.counters[key] = idx + 1

	s.captured[key] = append(s.captured[key], capturedRequest{
		Model:     req.Model,
		Stage:     detectStage(req),
		Messages:  req.Messages,
		CallIndex: idx + 1,
		Timestamp: time.Now().UnixMilli(),
	})

	seq := s.fixtures[key]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx]
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d fixture key(s) from %s", len(fixtures), *fixtureDir)
	for key, seq := range fixtures {
		log.Printf("  %s (%d fixture(s))", key, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	key := s.resolve(req)
	if key == "" {
		log.Printf("[call %d] no fixture for model=%q stage=%q", callNum, req.Model, detectStage(req))
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	content := s.next(key, req)
	log.Printf("[call %d] model=%s fixture=%s bytes=%d", callNum, req.Model, key, len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats returns per-fixture call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	counts := make(map[string]int, len(s.counters))
	for key, n := range s.counters {
		counts[key] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":      s.calls.Load(),
		"calls_by_fixture": counts,
	})
}

// handleRequests returns captured request bodies. Optional query params:
// "fixture" filters by fixture key, "call" by 1-indexed call number.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	fixtureFilter := r.URL.Query().Get("fixture")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for key, reqs := range s.captured {
		if fixtureFilter != "" && key != fixtureFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter > 0 && req.CallIndex != callFilter {
				continue
			}
			result[key] = append(result[key], req)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_fixture": result,
	})
}

// numberedFileRe matches files like "review.1.json", "development.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir into a key to content-sequence
// map. Numbered files come first in numeric order, the base "<key>.json"
// is appended as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(info.Name()); m != nil {
			key := m[1]
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[key] == nil {
				numberedFiles[key] = make(map[int]string)
			}
			numberedFiles[key][index] = string(data)
			return nil
		}

		key := strings.TrimSuffix(info.Name(), ".json")
		baseFiles[key] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	allKeys := make(map[string]bool)
	for k := range baseFiles {
		allKeys[k] = true
	}
	for k := range numberedFiles {
		allKeys[k] = true
	}

	for key := range allKeys {
		var seq []string
		if numbered, ok := numberedFiles[key]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}
		if base, ok := baseFiles[key]; ok {
			seq = append(seq, base)
		}
		if len(seq) > 0 {
			fixtures[key] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
