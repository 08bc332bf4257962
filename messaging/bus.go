package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// AgentInfo records a registered participant.
type AgentInfo struct {
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Bus is the file-backed messaging bus. One directory per agent holds one
// JSON file per message; a sidecar index per agent tracks read message IDs;
// logs/ holds per-agent JSONL audit logs. A write that cannot be persisted
// is fatal to the caller: continuing would assume delivery that never
// happened.
type Bus struct {
	root   string
	logger *slog.Logger
	shared *SharedState

	mu     sync.Mutex
	agents map[string]*AgentInfo
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a bus rooted at dir, creating the layout if needed and
// loading any previously registered agents.
func NewBus(root string, opts ...BusOption) (*Bus, error) {
	b := &Bus{
		root:   root,
		logger: slog.Default(),
		agents: make(map[string]*AgentInfo),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := os.MkdirAll(filepath.Join(root, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox root: %w", err)
	}
	shared, err := NewSharedState(filepath.Join(root, "shared_state.json"))
	if err != nil {
		return nil, err
	}
	b.shared = shared
	if err := b.loadAgents(); err != nil {
		return nil, err
	}
	return b, nil
}

// Shared returns the per-card shared-state store agents coordinate
// through.
func (b *Bus) Shared() *SharedState {
	return b.shared
}

// Register records an agent's presence and creates its mailbox.
// Re-registering updates capabilities and status.
func (b *Bus) Register(name string, capabilities []string, status string) error {
	if name == "" || name == Broadcast {
		return fmt.Errorf("invalid agent name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.inboxDir(name), 0o755); err != nil {
		return fmt.Errorf("create mailbox for %s: %w", name, err)
	}

	b.agents[name] = &AgentInfo{
		Name:         name,
		Capabilities: capabilities,
		Status:       status,
		RegisteredAt: time.Now().UTC(),
	}
	return b.saveAgentsLocked()
}

// Agents returns the currently registered agents.
func (b *Bus) Agents() []AgentInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AgentInfo, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Send persists a message to the recipient's inbox, or to every registered
// agent's inbox when addressed to Broadcast. Idempotent on MessageID: a
// duplicate send is a no-op. Later registrations do not retroactively
// receive broadcasts.
func (b *Bus) Send(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var recipients []string
	if msg.ToAgent == Broadcast {
		for name := range b.agents {
			recipients = append(recipients, name)
		}
		sort.Strings(recipients)
	} else {
		if _, ok := b.agents[msg.ToAgent]; !ok {
			return fmt.Errorf("unknown recipient %s", msg.ToAgent)
		}
		recipients = []string{msg.ToAgent}
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	for _, recipient := range recipients {
		path := b.messagePath(recipient, msg)
		if _, statErr := os.Stat(path); statErr == nil {
			continue // already delivered
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("persist message %s to %s: %w", msg.MessageID, recipient, err)
		}
		b.appendAuditLocked(recipient, "receive", msg)
	}
	b.appendAuditLocked(msg.FromAgent, "send", msg)

	b.logger.Debug("Message sent",
		"message_id", msg.MessageID,
		"from", msg.FromAgent,
		"to", msg.ToAgent,
		"type", msg.MessageType,
		"recipients", len(recipients))
	return nil
}

// Read returns the messages in an agent's inbox matching the filter,
// highest priority first, FIFO within a priority.
func (b *Bus) Read(agent string, filter Filter) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	readSet, err := b.loadReadIndex(agent)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(b.inboxDir(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("agent %s not registered", agent)
		}
		return nil, fmt.Errorf("read inbox for %s: %w", agent, err)
	}

	var messages []*Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == readIndexFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.inboxDir(agent), entry.Name()))
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("Skipping malformed message file", "agent", agent, "file", entry.Name())
			continue
		}
		if filter.matches(&msg, !readSet[msg.MessageID]) {
			messages = append(messages, &msg)
		}
	}

	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Priority.rank() != messages[j].Priority.rank() {
			return messages[i].Priority.rank() > messages[j].Priority.rank()
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

// MarkRead transitions a message out of an agent's unread set.
func (b *Bus) MarkRead(agent, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	readSet, err := b.loadReadIndex(agent)
	if err != nil {
		return err
	}
	if readSet[messageID] {
		return nil
	}
	readSet[messageID] = true
	return b.saveReadIndex(agent, readSet)
}

// readIndexFile is the sidecar tracking read message IDs per agent.
const readIndexFile = ".read_index.json"

func (b *Bus) loadReadIndex(agent string) (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(b.inboxDir(agent), readIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]bool), nil
		}
		return nil, fmt.Errorf("load read index for %s: %w", agent, err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse read index for %s: %w", agent, err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func (b *Bus) saveReadIndex(agent string, set map[string]bool) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal read index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.inboxDir(agent), readIndexFile), data, 0o644); err != nil {
		return fmt.Errorf("write read index for %s: %w", agent, err)
	}
	return nil
}

// auditRecord is one line in an agent's audit log.
type auditRecord struct {
	Timestamp   time.Time   `json:"timestamp"`
	Direction   string      `json:"direction"` // "send" or "receive"
	MessageID   string      `json:"message_id"`
	FromAgent   string      `json:"from_agent"`
	ToAgent     string      `json:"to_agent"`
	MessageType MessageType `json:"message_type"`
	CardID      string      `json:"card_id,omitempty"`
}

// appendAuditLocked appends to the per-agent audit log. Audit failures are
// logged but do not fail the send: the message itself was persisted.
func (b *Bus) appendAuditLocked(agent, direction string, msg *Message) {
	record := auditRecord{
		Timestamp:   time.Now().UTC(),
		Direction:   direction,
		MessageID:   msg.MessageID,
		FromAgent:   msg.FromAgent,
		ToAgent:     msg.ToAgent,
		MessageType: msg.MessageType,
		CardID:      msg.CardID,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}

	path := filepath.Join(b.root, "logs", agent+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.logger.Warn("Failed to open audit log", "agent", agent, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		b.logger.Warn("Failed to append audit record", "agent", agent, "error", err)
	}
}

func (b *Bus) inboxDir(agent string) string {
	return filepath.Join(b.root, agent)
}

// messagePath builds the wire-stable message file name:
// <timestamp>_<from>_to_<to>_<type>.json. The message ID is appended to
// keep names unique when one sender emits two messages in the same
// nanosecond tick.
func (b *Bus) messagePath(recipient string, msg *Message) string {
	name := fmt.Sprintf("%s_%s_to_%s_%s_%s.json",
		msg.Timestamp.Format("20060102T150405.000000000Z"),
		msg.FromAgent,
		msg.ToAgent,
		msg.MessageType,
		msg.MessageID[:8])
	return filepath.Join(b.inboxDir(recipient), name)
}

// agentsFile records registrations so presence survives restarts.
const agentsFile = "agents.json"

func (b *Bus) loadAgents() error {
	data, err := os.ReadFile(filepath.Join(b.root, agentsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load agent registry: %w", err)
	}

	var agents []*AgentInfo
	if err := json.Unmarshal(data, &agents); err != nil {
		return fmt.Errorf("parse agent registry: %w", err)
	}
	for _, a := range agents {
		b.agents[a.Name] = a
	}
	return nil
}

func (b *Bus) saveAgentsLocked() error {
	agents := make([]*AgentInfo, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.root, agentsFile), data, 0o644); err != nil {
		return fmt.Errorf("persist agent registry: %w", err)
	}
	return nil
}
