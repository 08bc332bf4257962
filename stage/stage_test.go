package stage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/messaging"
)

type fakeStage struct {
	name      string
	output    map[string]any
	err       error
	panicMsg  string
	setupErr  error
	setupRan  bool
	teardown  *bool
	sawOutput map[string]any
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(_ context.Context, _ *card.Card, _ *Context) (map[string]any, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.output, s.err
}

func (s *fakeStage) Setup(_ *Context) error {
	s.setupRan = true
	return s.setupErr
}

func (s *fakeStage) Teardown(success bool) {
	if s.teardown != nil {
		*s.teardown = success
	}
}

func testCard() *card.Card {
	return &card.Card{
		CardID:      "c-1",
		Title:       "Fix typo",
		Description: "Correct spelling in README",
		Priority:    "low",
	}
}

func TestRunner_SuccessStoresArtifact(t *testing.T) {
	store, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts.jsonl"))
	require.NoError(t, err)
	runner := NewRunner(Deps{Artifacts: store})

	s := &fakeStage{name: "analysis", output: map[string]any{"analysis_report": "report.md"}}
	result := runner.Execute(context.Background(), s, testCard(), NewContext())

	require.True(t, result.Success)
	assert.True(t, s.setupRan)
	require.Len(t, result.ArtifactIDs, 1)

	stored := store.Get(result.ArtifactIDs[0])
	require.NotNil(t, stored)
	assert.Equal(t, artifact.Type("analysis_result"), stored.Type)
	assert.Equal(t, "c-1", stored.CardID)
}

func TestRunner_FailureIsCaught(t *testing.T) {
	runner := NewRunner(Deps{})
	teardownSuccess := true

	s := &fakeStage{name: "development", err: errors.New("no candidates"), teardown: &teardownSuccess}
	result := runner.Execute(context.Background(), s, testCard(), NewContext())

	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "no candidates")
	assert.False(t, teardownSuccess, "teardown observes the failure")
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	runner := NewRunner(Deps{})

	s := &fakeStage{name: "review", panicMsg: "nil deref"}
	result := runner.Execute(context.Background(), s, testCard(), NewContext())

	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "panicked")
}

func TestRunner_SetupFailureSkipsRun(t *testing.T) {
	runner := NewRunner(Deps{})

	s := &fakeStage{name: "architecture", setupErr: errors.New("analysis_report missing")}
	result := runner.Execute(context.Background(), s, testCard(), NewContext())

	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "setup")
	assert.Nil(t, result.Output)
}

func TestRunner_NotifiesLifecycleOnBus(t *testing.T) {
	bus, err := messaging.NewBus(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, bus.Register("observer", nil, "active"))
	require.NoError(t, bus.Register("orchestrator", nil, "active"))

	runner := NewRunner(Deps{Bus: bus})
	s := &fakeStage{name: "analysis", output: map[string]any{"ok": true}}
	result := runner.Execute(context.Background(), s, testCard(), NewContext())
	require.True(t, result.Success)

	messages, err := bus.Read("observer", messaging.Filter{})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	kinds := []string{}
	for _, m := range messages {
		kinds = append(kinds, m.Data["type"].(string))
	}
	assert.ElementsMatch(t, []string{"stage_started", "stage_completed"}, kinds)
}

func TestContext_WriteOnce(t *testing.T) {
	pctx := NewContext()

	require.NoError(t, pctx.Set("adr_file", "docs/adr-001.md"))
	err := pctx.Set("adr_file", "docs/adr-002.md")

	var contract *ContractError
	require.ErrorAs(t, err, &contract)
	assert.Equal(t, "adr_file", contract.Key)

	got, ok := pctx.Get("adr_file")
	require.True(t, ok)
	assert.Equal(t, "docs/adr-001.md", got, "first write wins")
}

func TestContext_MergeRejectsOverwrite(t *testing.T) {
	pctx := NewContext()
	require.NoError(t, pctx.Merge("analysis", map[string]any{"analysis_report": "r.md"}))

	err := pctx.Merge("architecture", map[string]any{
		"adr_file":        "adr.md",
		"analysis_report": "other.md",
	})
	var contract *ContractError
	require.ErrorAs(t, err, &contract)
	assert.Equal(t, "architecture", contract.Stage)

	// A rejected merge applies nothing.
	_, ok := pctx.Get("adr_file")
	assert.False(t, ok)
}
