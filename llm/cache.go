package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCacheTTL is how long cached completions stay valid.
const DefaultCacheTTL = 7 * 24 * time.Hour

// cacheKeyInput is the canonical shape hashed into the cache key. Field
// order is fixed so the JSON encoding is deterministic.
type cacheKeyInput struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature *float64  `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// CacheKey computes the deterministic cache key for a completion request:
// the SHA-256 hash of the canonical JSON of messages, model, temperature
// and max_tokens.
func CacheKey(messages []Message, model string, temperature *float64, maxTokens int) string {
	data, err := json.Marshal(cacheKeyInput{
		Messages:    messages,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		// Marshal of plain structs cannot fail; treat as invariant violation.
		panic(fmt.Sprintf("llm: marshal cache key: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheEntry is one cached completion.
type CacheEntry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// ResponseCache is a file-backed deterministic completion cache. One JSON
// file per key; entries past the TTL are treated as misses and rewritten.
type ResponseCache struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithTTL overrides the default 7-day TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *ResponseCache) {
		c.ttl = ttl
	}
}

// WithCacheClock overrides the time source (tests only).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// NewResponseCache creates a cache rooted at dir, creating it if needed.
func NewResponseCache(dir string, opts ...CacheOption) (*ResponseCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &ResponseCache{dir: dir, ttl: DefaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached entry for a key, or nil on miss or expiry.
func (c *ResponseCache) Get(key string) *CacheEntry {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	if c.now().Sub(entry.CreatedAt) > c.ttl {
		return nil
	}
	return &entry
}

// Put stores a completion under a key. Write failures are returned so the
// caller can decide whether to continue; a failed cache write does not
// invalidate the completion itself.
func (c *ResponseCache) Put(key, content, model, provider string) error {
	entry := CacheEntry{
		Key:       key,
		Content:   content,
		Model:     model,
		Provider:  provider,
		CreatedAt: c.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(c.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *ResponseCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}
