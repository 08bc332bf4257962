// Package messaging implements the inter-agent bus: per-agent file
// mailboxes, broadcast, a shared-state blob per card, and an append-only
// audit log. Delivery is single-host and at-least-once; consumers tolerate
// duplicates and read highest priority first.
package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire version stamped on every message. Consumers
// must ignore unknown top-level fields for forward compatibility.
const ProtocolVersion = "1.0.0"

// Broadcast is the reserved recipient meaning every registered agent.
const Broadcast = "all"

// MessageType classifies a message.
type MessageType string

const (
	TypeDataUpdate   MessageType = "data_update"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
)

// Priority orders delivery within an inbox.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// rank maps priorities to sort order; higher sorts first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Message is the wire-stable envelope carried by the bus.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	Timestamp       time.Time      `json:"timestamp"`
	FromAgent       string         `json:"from_agent"`
	ToAgent         string         `json:"to_agent"`
	MessageType     MessageType    `json:"message_type"`
	CardID          string         `json:"card_id,omitempty"`
	Priority        Priority       `json:"priority"`
	Data            map[string]any `json:"data,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with a fresh ID and the current protocol
// version. Priority defaults to medium.
func NewMessage(from, to string, msgType MessageType, cardID string, data map[string]any) *Message {
	return &Message{
		ProtocolVersion: ProtocolVersion,
		MessageID:       uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		FromAgent:       from,
		ToAgent:         to,
		MessageType:     msgType,
		CardID:          cardID,
		Priority:        PriorityMedium,
		Data:            data,
	}
}

// Validate checks the envelope invariants.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if m.FromAgent == "" {
		return fmt.Errorf("from_agent is required")
	}
	if m.ToAgent == "" {
		return fmt.Errorf("to_agent is required")
	}
	switch m.MessageType {
	case TypeDataUpdate, TypeRequest, TypeResponse, TypeNotification, TypeError:
	default:
		return fmt.Errorf("invalid message_type %q", m.MessageType)
	}
	switch m.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	case "":
		m.Priority = PriorityMedium
	default:
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

// Filter selects messages on Read. Zero values match everything.
type Filter struct {
	MessageType MessageType
	FromAgent   string
	Priority    Priority
	UnreadOnly  bool
}

func (f Filter) matches(m *Message, unread bool) bool {
	if f.MessageType != "" && m.MessageType != f.MessageType {
		return false
	}
	if f.FromAgent != "" && m.FromAgent != f.FromAgent {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.UnreadOnly && !unread {
		return false
	}
	return true
}
