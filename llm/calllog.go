package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CallRecord is one gateway call, cached or not, as written to the audit
// log. Cache hits carry zero token counts so cost reports stay truthful.
type CallRecord struct {
	RequestID        string    `json:"request_id"`
	Stage            string    `json:"stage,omitempty"`
	Purpose          string    `json:"purpose,omitempty"`
	Capability       string    `json:"capability,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptHash       string    `json:"prompt_hash"`
	CacheHit         bool      `json:"cache_hit"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Retries          int       `json:"retries"`
	FallbacksUsed    []string  `json:"fallbacks_used,omitempty"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	DurationMs       int64     `json:"duration_ms"`
}

// CallLog appends CallRecords to a JSON-lines file. Append-only; records
// are never rewritten.
type CallLog struct {
	mu   sync.Mutex
	path string
}

// NewCallLog creates a call log writing to path.
func NewCallLog(path string) *CallLog {
	return &CallLog{path: path}
}

// Append writes one record. Failures are returned but callers treat them
// as non-fatal: the completion already happened.
func (l *CallLog) Append(record *CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write call record: %w", err)
	}
	return nil
}
