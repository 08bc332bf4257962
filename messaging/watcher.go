package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch notifies ch each time a new message lands in an agent's inbox.
// Consumers still Read to fetch the actual messages; the notification only
// replaces busy polling. Watch blocks until ctx is cancelled.
func (b *Bus) Watch(ctx context.Context, agent string, ch chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.inboxDir(agent)); err != nil {
		return fmt.Errorf("watch inbox for %s: %w", agent, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) && strings.HasSuffix(event.Name, ".json") &&
				!strings.HasSuffix(event.Name, readIndexFile) {
				select {
				case ch <- struct{}{}:
				default: // consumer already has a pending notification
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Inbox watcher error", "agent", agent, "error", err)
		}
	}
}
