// Package card defines the unit of work the pipeline executes and the
// minimal kanban-board access the engine needs. The board file format is
// opaque beyond the card list shape; the engine only ever mutates a card's
// column.
package card

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Priority is the urgency classification of a card.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a priority string, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Card is one unit of work the engine drives end to end.
// CardID is immutable; Column is the only field the engine mutates.
type Card struct {
	CardID             string    `json:"card_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Priority           Priority  `json:"priority"`
	StoryPoints        int       `json:"story_points"`
	Labels             []string  `json:"labels,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Column             string    `json:"column"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks the invariants the engine relies on.
func (c *Card) Validate() error {
	if c.CardID == "" {
		return fmt.Errorf("card_id is required")
	}
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	if c.StoryPoints < 0 {
		return fmt.Errorf("story_points must be non-negative")
	}
	switch c.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	case "":
		c.Priority = PriorityMedium
	default:
		return fmt.Errorf("invalid priority %q", c.Priority)
	}
	return nil
}

// HasLabel reports whether the card carries the given label.
func (c *Card) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Board is a minimal view of a kanban board file: a flat card list.
type Board struct {
	Cards []*Card `json:"cards"`

	path string
}

// LoadBoard reads a board file from disk.
func LoadBoard(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board file: %w", err)
	}

	var board Board
	if err := json.Unmarshal(data, &board); err != nil {
		return nil, fmt.Errorf("parse board file: %w", err)
	}
	board.path = path
	return &board, nil
}

// Get returns the card with the given ID.
func (b *Board) Get(cardID string) (*Card, error) {
	for _, c := range b.Cards {
		if c.CardID == cardID {
			return c, nil
		}
	}
	return nil, fmt.Errorf("card %s not found", cardID)
}

// MoveCard updates a card's column and persists the board.
// This is the only board mutation the engine performs.
func (b *Board) MoveCard(cardID, column string) error {
	c, err := b.Get(cardID)
	if err != nil {
		return err
	}
	c.Column = column

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("write board file: %w", err)
	}
	return nil
}
