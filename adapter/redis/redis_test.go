package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/kiln/adapter"
)

func testEvent() *adapter.InvalidationEvent {
	return &adapter.InvalidationEvent{
		ProtocolVersion: "0.1.0",
		EventType:       adapter.EventTypeInvalidated,
		ServerID:        "srv-1",
		Root:            "/app",
		Files:           []string{"/app/server/api/hello.ts"},
		Modules:         []string{"/app/server/api/hello.ts"},
		Timestamp:       "2026-10-18T12:00:00Z",
	}
}

// asyncReceive must be started before Publish: miniredis delivers
// pub/sub messages synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"default channel", "", DefaultChannel},
		{"custom channel", "dev:reload", "dev:reload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)

			a, err := New(Config{URL: "redis://" + mr.Addr(), Channel: tt.channel})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer func() { _ = a.Close() }()

			if a.Channel() != tt.want {
				t.Fatalf("channel = %q, want %q", a.Channel(), tt.want)
			}

			sub := mr.NewSubscriber()
			sub.Subscribe(tt.want)
			ch := asyncReceive(sub)

			if err := a.Publish(t.Context(), testEvent()); err != nil {
				t.Fatalf("publish: %v", err)
			}

			msg := waitMessage(t, ch)
			var got adapter.InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Message), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Root != "/app" || len(got.Modules) != 1 {
				t.Errorf("unexpected event: %+v", got)
			}
		})
	}
}

func TestPublish_Unreachable(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 1, Timeout: 100 * time.Millisecond, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Backoff: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("publish did not honor context cancellation")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error publishing on a closed client")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty URL", Config{}},
		{"bad URL", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
