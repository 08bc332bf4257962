package artifact

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the RAG artifact store. Artifacts live in an append-only JSONL
// file and an in-memory index rebuilt on open. Store and QuerySimilar are
// safe for concurrent use.
type Store struct {
	path     string
	embedder Embedder
	logger   *slog.Logger

	mu        sync.RWMutex
	artifacts []*Artifact
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEmbedder replaces the default hash embedder.
func WithEmbedder(e Embedder) StoreOption {
	return func(s *Store) {
		s.embedder = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore opens (or creates) the store at path and loads the index.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:     path,
		embedder: NewHashEmbedder(0),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Store embeds task_title + content, appends the artifact, and returns its
// ID. Artifacts are never mutated or deleted once stored.
func (s *Store) Store(artifactType Type, cardID, taskTitle, content string, metadata map[string]any) (string, error) {
	a := &Artifact{
		ArtifactID: uuid.New().String(),
		Type:       artifactType,
		CardID:     cardID,
		TaskTitle:  taskTitle,
		Content:    content,
		Metadata:   metadata,
		StoredAt:   time.Now().UTC(),
	}
	if err := a.validate(); err != nil {
		return "", fmt.Errorf("invalid artifact: %w", err)
	}
	a.Embedding = s.embedder.Embed(taskTitle + "\n" + content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(a); err != nil {
		return "", err
	}
	s.artifacts = append(s.artifacts, a)

	s.logger.Debug("Artifact stored",
		"artifact_id", a.ArtifactID,
		"artifact_type", a.Type,
		"card_id", a.CardID)
	return a.ArtifactID, nil
}

// Get returns an artifact by ID, or nil when absent.
func (s *Store) Get(artifactID string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if a.ArtifactID == artifactID {
			return a
		}
	}
	return nil
}

// Count returns the number of stored artifacts, optionally restricted to
// the given types.
func (s *Store) Count(types ...Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(types) == 0 {
		return len(s.artifacts)
	}
	n := 0
	for _, a := range s.artifacts {
		for _, t := range types {
			if a.Type == t {
				n++
				break
			}
		}
	}
	return n
}

// QuerySimilar returns up to topK artifacts ordered by cosine similarity
// to queryText. Only non-negative similarities are returned. types narrows
// by artifact type; filters require exact matches on metadata keys.
func (s *Store) QuerySimilar(queryText string, types []Type, topK int, filters map[string]any) []Match {
	queryVec := s.embedder.Embed(queryText)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, a := range s.artifacts {
		if !typeAllowed(a.Type, types) || !metadataMatches(a.Metadata, filters) {
			continue
		}
		sim := cosine(queryVec, a.Embedding)
		if sim < 0 {
			continue
		}
		matches = append(matches, Match{Artifact: a, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func typeAllowed(t Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

func metadataMatches(metadata, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := metadata[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// appendLocked writes one artifact as a JSONL line, synced before return
// so a stored artifact survives a crash.
func (s *Store) appendLocked(a *Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync artifact store: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open artifact store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var a Artifact
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			// A torn final line from a crash is skipped, not fatal.
			s.logger.Warn("Skipping malformed artifact line", "line", line, "error", err)
			continue
		}
		s.artifacts = append(s.artifacts, &a)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan artifact store: %w", err)
	}
	return nil
}
