package messaging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SharedState is the per-card shared blob agents coordinate through. The
// whole store is one JSON file; updates are shallow overlays applied under
// a mutex held only for the read-modify-write.
type SharedState struct {
	mu   sync.Mutex
	path string
}

// sharedStateFile is the on-disk shape: one entry per card.
type sharedStateFile struct {
	Cards map[string]*CardState `json:"cards"`
}

// CardState is the shared blob for one card.
type CardState struct {
	CardID     string         `json:"card_id"`
	SharedData map[string]any `json:"shared_data"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewSharedState creates a shared-state store backed by path.
func NewSharedState(path string) (*SharedState, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create shared state dir: %w", err)
	}
	return &SharedState{path: path}, nil
}

// Get returns the shared blob for a card. A card never written returns an
// empty blob, not an error.
func (s *SharedState) Get(cardID string) (*CardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if state, ok := file.Cards[cardID]; ok {
		return state, nil
	}
	return &CardState{CardID: cardID, SharedData: map[string]any{}}, nil
}

// Update merges delta into the card's blob as a shallow overlay: keys in
// delta overwrite existing keys; absent keys are untouched.
func (s *SharedState) Update(cardID string, delta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return err
	}

	state, ok := file.Cards[cardID]
	if !ok {
		state = &CardState{CardID: cardID, SharedData: map[string]any{}}
		file.Cards[cardID] = state
	}
	for k, v := range delta {
		state.SharedData[k] = v
	}
	state.UpdatedAt = time.Now().UTC()

	return s.saveLocked(file)
}

func (s *SharedState) loadLocked() (*sharedStateFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &sharedStateFile{Cards: map[string]*CardState{}}, nil
		}
		return nil, fmt.Errorf("read shared state: %w", err)
	}

	var file sharedStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse shared state: %w", err)
	}
	if file.Cards == nil {
		file.Cards = map[string]*CardState{}
	}
	return &file, nil
}

func (s *SharedState) saveLocked(file *sharedStateFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shared state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("persist shared state: %w", err)
	}
	return nil
}
