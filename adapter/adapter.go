// Package adapter publishes invalidation notifications to downstream
// systems such as browser reload bridges or other dev servers.
//
// Notifications carry ids only, never module code.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/types"
)

// EventTypeInvalidated is the event_type of every InvalidationEvent.
const EventTypeInvalidated = "modules_invalidated"

// InvalidationEvent is published after a batch of file changes invalidated
// modules.
type InvalidationEvent struct {
	ProtocolVersion string   `json:"protocol_version"`
	EventType       string   `json:"event_type"`
	ServerID        string   `json:"server_id"`
	Root            string   `json:"root"`
	Files           []string `json:"files"`
	Modules         []string `json:"modules"`
	Timestamp       string   `json:"timestamp"` // RFC 3339
}

// Adapter publishes events to one downstream system.
type Adapter interface {
	// Publish must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *InvalidationEvent) error
	Close() error
}

// Retry runs fn up to attempts times with exponential backoff starting at
// base. It stops early when permanent reports the error as final.
func Retry(ctx context.Context, attempts int, base time.Duration, permanent func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(base << (i - 1)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("non-retriable error: %w", lastErr)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Notifier builds events for one server and publishes them.
type Notifier struct {
	adapter   Adapter
	serverID  string
	root      string
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time
}

// NewNotifier creates a Notifier. A nil adapter makes Notify a no-op.
func NewNotifier(a Adapter, serverID, root string, logger *log.Logger, collector *metrics.Collector) *Notifier {
	return &Notifier{
		adapter:   a,
		serverID:  serverID,
		root:      root,
		logger:    logger,
		collector: collector,
		now:       time.Now,
	}
}

// Notify publishes one event. Failures are counted and returned; callers
// on the watch path log and continue.
func (n *Notifier) Notify(ctx context.Context, files, modules []string) error {
	if n == nil || n.adapter == nil || (len(modules) == 0 && len(files) == 0) {
		return nil
	}
	event := &InvalidationEvent{
		ProtocolVersion: types.ProtocolVersion,
		EventType:       EventTypeInvalidated,
		ServerID:        n.serverID,
		Root:            n.root,
		Files:           nonNil(files),
		Modules:         nonNil(modules),
		Timestamp:       n.now().UTC().Format(time.RFC3339),
	}
	if err := n.adapter.Publish(ctx, event); err != nil {
		n.collector.IncNotifyFailure()
		n.logger.Warn("invalidation notification failed", map[string]any{
			"error":   err.Error(),
			"modules": len(modules),
		})
		return err
	}
	n.collector.IncNotifySuccess()
	return nil
}

// Close closes the underlying adapter.
func (n *Notifier) Close() error {
	if n == nil || n.adapter == nil {
		return nil
	}
	return n.adapter.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ErrUnknownType is returned by config validation for unsupported adapter
// types.
var ErrUnknownType = errors.New("unknown notify adapter type")
