package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates token counts for budget pre-checks. It uses the
// cl100k_base encoding when available and falls back to character-count
// division when the encoding cannot be loaded (offline environments).
type Estimator struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

// messageOverheadTokens is the per-message formatting overhead.
const messageOverheadTokens = 10

// NewEstimator creates a token estimator.
func NewEstimator() *Estimator {
	e := &Estimator{}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		e.encoder = enc
	}
	return e
}

// Count returns the approximate token count for a text.
func (e *Estimator) Count(text string) int {
	if e.encoder == nil {
		return len(text) / 4
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoder.Encode(text, nil, nil))
}

// CountMessages estimates the token count of a chat history, including
// per-message formatting overhead.
func (e *Estimator) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += messageOverheadTokens
		total += e.Count(msg.Content)
	}
	return total
}
