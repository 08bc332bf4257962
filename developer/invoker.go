// Package developer fans the implementation task out to competing LLM
// workers and arbitrates a winner over their candidates.
package developer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/model"
)

// File is one produced source file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result statuses.
const (
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusDisqualified = "disqualified"
)

// Result is one worker's candidate.
type Result struct {
	WorkerID            int     `json:"worker_id"`
	Profile             string  `json:"profile"`
	ImplementationFiles []File  `json:"implementation_files"`
	TestFiles           []File  `json:"test_files"`
	Notes               string  `json:"notes,omitempty"`
	TokensUsed          int     `json:"tokens_used"`
	DurationSeconds     float64 `json:"duration_seconds"`
	Status              string  `json:"status"`
	Error               string  `json:"error,omitempty"`
	ScratchDir          string  `json:"scratch_dir,omitempty"`
}

// Succeeded reports whether the candidate is eligible for arbitration.
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted
}

// Disqualify marks a candidate ineligible, e.g. after a sandbox violation.
func (r *Result) Disqualify(reason string) {
	r.Status = StatusDisqualified
	r.Error = reason
}

// TotalBytes is the candidate's size, used by the simplicity score.
func (r *Result) TotalBytes() int {
	n := 0
	for _, f := range r.ImplementationFiles {
		n += len(f.Content)
	}
	for _, f := range r.TestFiles {
		n += len(f.Content)
	}
	return n
}

// envelope is the JSON shape a worker must respond with.
type envelope struct {
	ImplementationFiles []File `json:"implementation_files"`
	TestFiles           []File `json:"test_files"`
	Notes               string `json:"notes"`
}

// Invoker runs N competing workers concurrently.
type Invoker struct {
	gateway     *llm.Client
	scratchRoot string
	logger      *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		i.logger = logger
	}
}

// NewInvoker creates an invoker whose workers persist files under
// scratchRoot/worker-<id>/.
func NewInvoker(gateway *llm.Client, scratchRoot string, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		gateway:     gateway,
		scratchRoot: scratchRoot,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke fans the task out to n workers and collates their results in
// worker-ID order. A failing worker does not cancel its peers; Invoke
// errors only when every worker fails.
func (i *Invoker) Invoke(ctx context.Context, c *card.Card, adrContent string, n int) ([]*Result, error) {
	if n < 1 {
		n = 1
	}

	results := make([]*Result, n)
	var wg sync.WaitGroup
	for w := 1; w <= n; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			results[workerID-1] = i.runWorker(ctx, c, adrContent, workerID)
		}(w)
	}
	wg.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].WorkerID < results[b].WorkerID })

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	i.logger.Info("Developer fan-out finished",
		"card_id", c.CardID,
		"workers", n,
		"succeeded", succeeded)
	if succeeded == 0 {
		return results, fmt.Errorf("all %d developer workers failed", n)
	}
	return results, nil
}

func (i *Invoker) runWorker(ctx context.Context, c *card.Card, adrContent string, workerID int) *Result {
	profile := ProfileFor(workerID)
	result := &Result{
		WorkerID: workerID,
		Profile:  profile.Name,
		Status:   StatusFailed,
	}
	start := time.Now()
	defer func() {
		result.DurationSeconds = time.Since(start).Seconds()
	}()

	temperature := profile.Temperature
	resp, err := i.gateway.Complete(ctx, llm.Request{
		Capability:  string(model.CapabilityCoding),
		Temperature: &temperature,
		Stage:       "development",
		Purpose:     fmt.Sprintf("worker_%d", workerID),
		Messages: []llm.Message{
			{Role: "system", Content: profile.prompt() + "\n\nRespond with JSON only: " +
				`{"implementation_files": [{"path": string, "content": string}], ` +
				`"test_files": [{"path": string, "content": string}], "notes": string}`},
			{Role: "user", Content: i.taskPrompt(c, adrContent)},
		},
	})
	if err != nil {
		result.Error = err.Error()
		i.logger.Warn("Developer worker failed",
			"worker_id", workerID,
			"profile", profile.Name,
			"error", err)
		return result
	}
	result.TokensUsed = resp.Usage.TotalTokens

	var env envelope
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &env); err != nil {
		result.Error = fmt.Sprintf("malformed worker envelope: %v", err)
		return result
	}
	if len(env.ImplementationFiles) == 0 {
		result.Error = "worker produced no implementation files"
		return result
	}
	result.ImplementationFiles = env.ImplementationFiles
	result.TestFiles = env.TestFiles
	result.Notes = env.Notes

	dir, err := i.persistFiles(workerID, &env)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ScratchDir = dir
	result.Status = StatusCompleted
	return result
}

func (i *Invoker) taskPrompt(c *card.Card, adrContent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", c.Title, c.Description)
	if adrContent != "" {
		fmt.Fprintf(&b, "\nArchitecture decision record:\n%s\n", adrContent)
	}
	if len(c.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for n, criterion := range c.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", n+1, criterion)
		}
	}
	return b.String()
}

// persistFiles writes a worker's files under its private scratch directory.
// Paths are sanitized so a worker cannot escape its directory.
func (i *Invoker) persistFiles(workerID int, env *envelope) (string, error) {
	dir := filepath.Join(i.scratchRoot, fmt.Sprintf("worker-%d", workerID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create worker scratch dir: %w", err)
	}

	for _, f := range append(append([]File{}, env.ImplementationFiles...), env.TestFiles...) {
		rel := filepath.Clean(f.Path)
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("worker %d produced illegal path %q", workerID, f.Path)
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("create file dir: %w", err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return "", fmt.Errorf("persist %s: %w", rel, err)
		}
	}
	return dir, nil
}
