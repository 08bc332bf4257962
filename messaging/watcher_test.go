package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_NotifiesOnDelivery(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan struct{}, 1)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- bus.Watch(ctx, "developer-1", notify)
	}()

	// Give the watcher time to attach before the message lands.
	time.Sleep(100 * time.Millisecond)

	msg := NewMessage("orchestrator", "developer-1", TypeRequest, "c-1",
		map[string]any{"task": "implement"})
	require.NoError(t, bus.Send(msg))

	select {
	case <-notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for a delivered message")
	}

	messages, err := bus.Read("developer-1", Filter{})
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	cancel()
	assert.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestWatch_UnknownAgent(t *testing.T) {
	bus := newTestBus(t)

	notify := make(chan struct{}, 1)
	err := bus.Watch(context.Background(), "nobody", notify)
	assert.Error(t, err)
}
