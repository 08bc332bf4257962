package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager owns all checkpoint files under one directory, one JSON file per
// card. All mutations are serialized and written atomically.
type Manager struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	loaded map[string]*Checkpoint
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		loaded: map[string]*Checkpoint{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return m, nil
}

// Create initializes a fresh active checkpoint for a card, replacing any
// previous record for the same card.
func (m *Manager) Create(cardID string, totalStages int, executionContext map[string]any) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := newCheckpoint(cardID, totalStages, executionContext, m.now())
	if err := m.persistLocked(cp); err != nil {
		return nil, err
	}
	m.loaded[cardID] = cp

	m.logger.Info("Checkpoint created",
		"card_id", cardID,
		"checkpoint_id", cp.CheckpointID,
		"total_stages", totalStages)
	return cp.clone(), nil
}

// Get returns the checkpoint for a card, or nil when none exists.
func (m *Manager) Get(cardID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil || cp == nil {
		return nil, err
	}
	return cp.clone(), nil
}

// SetCurrentStage updates the stage the run is working on.
func (m *Manager) SetCurrentStage(cardID, stageName string) error {
	return m.mutate(cardID, func(cp *Checkpoint) error {
		cp.CurrentStage = stageName
		return nil
	})
}

// StageUpdate carries the optional parts of a stage save.
type StageUpdate struct {
	Result       map[string]any
	Artifacts    []string
	LLMResponses []LLMExchange
	ErrorMessage string
	RetryCount   int
}

// SaveStage records one stage execution. Completed stages require a
// non-nil result and an end time no earlier than the start time.
func (m *Manager) SaveStage(cardID, stageName string, status StageStatus, start, end time.Time, update StageUpdate) error {
	if status == StageCompleted {
		if update.Result == nil {
			return fmt.Errorf("completed stage %s requires a result", stageName)
		}
		if end.Before(start) {
			return fmt.Errorf("completed stage %s has end_time before start_time", stageName)
		}
	}

	return m.mutate(cardID, func(cp *Checkpoint) error {
		cp.applyStage(&StageRecord{
			StageName:       stageName,
			Status:          status,
			StartTime:       start,
			EndTime:         end,
			DurationSeconds: end.Sub(start).Seconds(),
			Result:          update.Result,
			Artifacts:       update.Artifacts,
			LLMResponses:    update.LLMResponses,
			ErrorMessage:    update.ErrorMessage,
			RetryCount:      update.RetryCount,
		})
		return nil
	})
}

// CanResume reports whether a resumable checkpoint exists: non-completed
// status and at least one stage still to run.
func (m *Manager) CanResume(cardID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil || cp == nil {
		return false
	}
	switch cp.Status {
	case StatusActive, StatusPaused, StatusFailed, StatusResumed:
	default:
		return false
	}
	return cp.StagesCompleted+len(cp.SkippedStages) < cp.TotalStages
}

// Resume reloads a checkpoint, counts the resume, and reactivates it.
// A failed checkpoint resumes from its last non-terminal stage.
func (m *Manager) Resume(cardID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint for card %s", cardID)
	}
	if cp.Status == StatusCompleted {
		return nil, fmt.Errorf("checkpoint for card %s already completed", cardID)
	}

	now := m.now()
	cp.ResumeCount++
	cp.LastResumeTime = &now
	cp.Status = StatusActive
	cp.FailureReason = ""
	if err := m.persistLocked(cp); err != nil {
		return nil, err
	}

	m.logger.Info("Checkpoint resumed",
		"card_id", cardID,
		"resume_count", cp.ResumeCount,
		"stages_completed", cp.StagesCompleted)
	return cp.clone(), nil
}

// NextStage returns the first stage in allStages not yet completed or
// skipped, and false when every stage is done.
func (m *Manager) NextStage(cardID string, allStages []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil || cp == nil {
		if len(allStages) == 0 {
			return "", false
		}
		return allStages[0], true
	}
	for _, stage := range allStages {
		if !cp.done(stage) {
			return stage, true
		}
	}
	return "", false
}

// CachedLLMResponse returns a stage's recorded exchange for a prompt hash,
// or nil when none was stored.
func (m *Manager) CachedLLMResponse(cardID, stageName, promptHash string) *LLMExchange {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil || cp == nil {
		return nil
	}
	record, ok := cp.StageCheckpoints[stageName]
	if !ok {
		return nil
	}
	for i := range record.LLMResponses {
		if record.LLMResponses[i].PromptHash == promptHash {
			exchange := record.LLMResponses[i]
			return &exchange
		}
	}
	return nil
}

// Pause suspends an active checkpoint.
func (m *Manager) Pause(cardID string) error {
	return m.mutate(cardID, func(cp *Checkpoint) error {
		cp.Status = StatusPaused
		return nil
	})
}

// MarkCompleted transitions the checkpoint to its terminal success state.
func (m *Manager) MarkCompleted(cardID string) error {
	return m.mutate(cardID, func(cp *Checkpoint) error {
		cp.Status = StatusCompleted
		cp.CurrentStage = ""
		return nil
	})
}

// MarkFailed transitions the checkpoint to its terminal failure state.
func (m *Manager) MarkFailed(cardID, reason string) error {
	return m.mutate(cardID, func(cp *Checkpoint) error {
		cp.Status = StatusFailed
		cp.FailureReason = reason
		return nil
	})
}

// Progress summarizes how far a run has come.
type Progress struct {
	ProgressPercent           float64 `json:"progress_percent"`
	StagesCompleted           int     `json:"stages_completed"`
	TotalStages               int     `json:"total_stages"`
	CurrentStage              string  `json:"current_stage,omitempty"`
	ElapsedSeconds            float64 `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds"`
}

// Progress computes completion percentage and an ETA from the average
// duration of completed stages.
func (m *Manager) Progress(cardID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("no checkpoint for card %s", cardID)
	}

	p := &Progress{
		StagesCompleted: cp.StagesCompleted,
		TotalStages:     cp.TotalStages,
		CurrentStage:    cp.CurrentStage,
		ElapsedSeconds:  m.now().Sub(cp.CreatedAt).Seconds(),
	}
	if cp.TotalStages > 0 {
		p.ProgressPercent = float64(cp.StagesCompleted) * 100 / float64(cp.TotalStages)
	}

	var totalDuration float64
	for _, stage := range cp.CompletedStages {
		if record, ok := cp.StageCheckpoints[stage]; ok {
			totalDuration += record.DurationSeconds
		}
	}
	if cp.StagesCompleted > 0 {
		avg := totalDuration / float64(cp.StagesCompleted)
		remaining := cp.TotalStages - cp.StagesCompleted - len(cp.SkippedStages)
		if remaining > 0 {
			p.EstimatedRemainingSeconds = avg * float64(remaining)
		}
	}
	return p, nil
}

// mutate loads, checks mutability, applies fn, stamps updated_at, and
// persists atomically under the manager lock.
func (m *Manager) mutate(cardID string, fn func(*Checkpoint) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.getLocked(cardID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for card %s", cardID)
	}
	if err := cp.ensureMutable(); err != nil {
		return fmt.Errorf("card %s: %w", cardID, err)
	}
	if err := fn(cp); err != nil {
		return err
	}
	cp.UpdatedAt = m.now()
	return m.persistLocked(cp)
}

func (m *Manager) getLocked(cardID string) (*Checkpoint, error) {
	if cp, ok := m.loaded[cardID]; ok {
		return cp, nil
	}

	data, err := os.ReadFile(m.path(cardID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint for %s: %w", cardID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint for %s: %w", cardID, err)
	}
	if cp.StageCheckpoints == nil {
		cp.StageCheckpoints = map[string]*StageRecord{}
	}
	m.loaded[cardID] = &cp
	return &cp, nil
}

// persistLocked writes the full checkpoint via temp file + rename.
func (m *Manager) persistLocked(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, cp.CardID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path(cp.CardID)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) path(cardID string) string {
	return filepath.Join(m.dir, cardID+".json")
}

// clone returns a deep-enough copy so callers cannot mutate manager state.
func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.CompletedStages = append([]string(nil), c.CompletedStages...)
	out.FailedStages = append([]string(nil), c.FailedStages...)
	out.SkippedStages = append([]string(nil), c.SkippedStages...)
	out.StageCheckpoints = make(map[string]*StageRecord, len(c.StageCheckpoints))
	for name, record := range c.StageCheckpoints {
		copied := *record
		out.StageCheckpoints[name] = &copied
	}
	return &out
}
