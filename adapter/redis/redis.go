// Package redis publishes invalidation events on a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/kiln/adapter"
)

// DefaultChannel is the default pub/sub channel.
const DefaultChannel = "kiln:invalidated"

// DefaultTimeout bounds each PUBLISH.
const DefaultTimeout = 2 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 2

// DefaultBackoff is the delay before the first retry; it doubles per retry.
const DefaultBackoff = 250 * time.Millisecond

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db] (required).
	URL     string
	Channel string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Adapter publishes events with PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Channel returns the channel events are published on.
func (a *Adapter) Channel() string { return a.config.Channel }

// Publish sends event as JSON, retrying on any failure.
func (a *Adapter) Publish(ctx context.Context, event *adapter.InvalidationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	err = adapter.Retry(ctx, 1+a.config.Retries, a.config.Backoff, nil, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		return a.client.Publish(ctx, a.config.Channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
