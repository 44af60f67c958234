package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/kiln/metrics"
)

type recordingAdapter struct {
	events []*InvalidationEvent
	err    error
	closed bool
}

func (r *recordingAdapter) Publish(_ context.Context, e *InvalidationEvent) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingAdapter) Close() error {
	r.closed = true
	return nil
}

func TestRetry(t *testing.T) {
	errBoom := errors.New("boom")
	errFatal := errors.New("fatal")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{"first try", 0, nil, 1, nil},
		{"recovers", 2, errBoom, 3, nil},
		{"exhausted", 5, errBoom, 3, errBoom},
		{"permanent", 5, errFatal, 1, errFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(t.Context(), 3, time.Millisecond,
				func(err error) bool { return errors.Is(err, errFatal) },
				func(context.Context) error {
					calls++
					if calls <= tt.failures {
						return tt.failWith
					}
					return nil
				})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err := Retry(ctx, 3, time.Millisecond, nil, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn should not run on a canceled context")
	}
}

func TestNotifier(t *testing.T) {
	rec := &recordingAdapter{}
	c := metrics.NewCollector("srv-1", "json", "local", "")
	n := NewNotifier(rec, "srv-1", "/app", nil, c)
	n.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC) }

	if err := n.Notify(t.Context(), nil, nil); err != nil {
		t.Fatalf("empty notify: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatal("empty invalidation should not publish")
	}

	if err := n.Notify(t.Context(), []string{"/app/a.ts"}, nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("events = %d, want 1", len(rec.events))
	}
	e := rec.events[0]
	if e.EventType != EventTypeInvalidated || e.ServerID != "srv-1" || e.Root != "/app" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.Modules == nil {
		t.Error("modules should encode as [] not null")
	}
	if e.Timestamp != "2026-10-18T09:30:00Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}

	rec.err = errors.New("down")
	if err := n.Notify(t.Context(), nil, []string{"/app/a.ts"}); err == nil {
		t.Fatal("expected publish error to surface")
	}

	s := c.Snapshot()
	if s.NotifySuccess != 1 || s.NotifyFailure != 1 {
		t.Errorf("notify counters = %d/%d, want 1/1", s.NotifySuccess, s.NotifyFailure)
	}

	if err := n.Close(); err != nil || !rec.closed {
		t.Errorf("close: err=%v closed=%v", err, rec.closed)
	}
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	if err := n.Notify(t.Context(), []string{"x"}, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
}
