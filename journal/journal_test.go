package journal

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kiln/graph"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/transform"
)

// failingStore is a lode.Store whose writes fail with putErr.
type failingStore struct {
	putErr error
	puts   int
}

func (s *failingStore) Put(context.Context, string, io.Reader) error {
	s.puts++
	return s.putErr
}

func (s *failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not found")
}

func (s *failingStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (s *failingStore) List(context.Context, string) ([]string, error) { return nil, nil }

func (s *failingStore) Delete(context.Context, string) error { return nil }

func (s *failingStore) ReadRange(context.Context, string, int64, int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *failingStore) ReaderAt(context.Context, string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*failingStore)(nil)

func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func testGraph() *graph.Graph {
	main := &graph.Entry{ID: "/app/main.ts", Code: "export default 1", Deps: []string{"/app/a.ts"}, Parents: []string{graph.EntryParent}}
	a := &graph.Entry{ID: "/app/a.ts", Code: "", DynamicDeps: []string{"/app/lazy.ts"}, Parents: []string{"/app/main.ts"}}
	lazy := &graph.Entry{ID: "/app/lazy.ts", Code: "export const x = 1", IsDynamic: true, Parents: []string{"/app/a.ts"}}
	return &graph.Graph{
		ID:       "build-1",
		Entry:    "/app/main.ts",
		Modules:  map[string]*graph.Entry{main.ID: main, a.ID: a, lazy.ID: lazy},
		Order:    []*graph.Entry{main, a, lazy},
		Duration: 42 * time.Millisecond,
		Diagnostics: []resolve.Diagnostic{
			{ID: "/app/a.ts", Error: &transform.Error{Message: "Unexpected token", Plugin: "vue"}},
		},
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	store := lode.NewMemory()
	factory := sharedFactory(store)
	c := metrics.NewCollector("srv-1", "json", "func", "memory")

	j, err := New(Config{ServerID: "srv-1"}, factory, WithCollector(c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.now = func() time.Time { return time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC) }

	if err := j.Write(t.Context(), testGraph()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ds, err := newDataset(DefaultDataset, factory)
	if err != nil {
		t.Fatalf("newDataset: %v", err)
	}
	latest, err := ds.Latest(t.Context())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	data, err := ds.Read(t.Context(), latest.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("read %d records, want 4", len(data))
	}

	byKind := map[string][]map[string]any{}
	for _, item := range data {
		rec, ok := item.(map[string]any)
		if !ok {
			t.Fatalf("record type = %T", item)
		}
		kind, _ := rec["record_kind"].(string)
		byKind[kind] = append(byKind[kind], rec)
		if rec["server_id"] != "srv-1" || rec["build_id"] != "build-1" || rec["day"] != "2026-10-18" {
			t.Errorf("partition fields = %v/%v/%v", rec["server_id"], rec["build_id"], rec["day"])
		}
	}

	if len(byKind[RecordKindBuild]) != 1 || len(byKind[RecordKindModule]) != 3 {
		t.Fatalf("kinds = %d build, %d module", len(byKind[RecordKindBuild]), len(byKind[RecordKindModule]))
	}
	build := byKind[RecordKindBuild][0]
	if build["entry"] != "/app/main.ts" {
		t.Errorf("entry = %v", build["entry"])
	}
	if n, _ := build["dynamic_modules"].(float64); n != 1 {
		t.Errorf("dynamic_modules = %v, want 1", build["dynamic_modules"])
	}
	if failures, _ := build["failures"].([]any); len(failures) != 1 {
		t.Errorf("failures = %v, want one entry", build["failures"])
	}

	if got := c.Snapshot().JournalWriteSuccess; got != 1 {
		t.Errorf("JournalWriteSuccess = %d, want 1", got)
	}
}

func TestWrite_StorageFailure(t *testing.T) {
	store := &failingStore{putErr: errors.New("open /journal: permission denied")}
	c := metrics.NewCollector("srv-1", "json", "func", "fs")

	j, err := New(Config{ServerID: "srv-1"}, sharedFactory(store), WithCollector(c))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = j.Write(t.Context(), testGraph())
	if err == nil {
		t.Fatal("expected write error")
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "write" {
		t.Errorf("expected StorageError with op write, got %v", err)
	}
	if store.puts == 0 {
		t.Error("store was never written to")
	}
	if got := c.Snapshot().JournalWriteFailure; got != 1 {
		t.Errorf("JournalWriteFailure = %d, want 1", got)
	}
}

func TestWrite_NilJournal(t *testing.T) {
	var j *Journal
	if err := j.Write(t.Context(), testGraph()); err != nil {
		t.Fatalf("nil journal should discard: %v", err)
	}
}

func TestNew_RequiresServerID(t *testing.T) {
	if _, err := New(Config{}, lode.NewMemoryFactory()); err == nil {
		t.Fatal("expected error for missing server id")
	}
}

func TestNewFS(t *testing.T) {
	j, err := NewFS(Config{ServerID: "srv-fs", Dataset: "dev"}, t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	if err := j.Write(t.Context(), testGraph()); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"context deadline exceeded", ErrTimeout},
		{"AccessDenied: Access Denied", ErrPermissionDenied},
		{"NoSuchBucket: the bucket does not exist", ErrNotFound},
		{"write /data: no space left on device", ErrDiskFull},
		{"SlowDown: please reduce your request rate", ErrThrottled},
		{"NoCredentialProviders: no valid providers in chain", ErrAuth},
		{"dial tcp 10.0.0.1:443: connection refused", ErrNetwork},
		{"something odd", errUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := classify(errors.New(tt.msg)); got != tt.want {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		in, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/dev/journal", "bucket", "dev/journal"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.in, b, p)
		}
	}

	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty bucket")
	}
}
