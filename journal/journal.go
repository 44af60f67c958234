// Package journal writes a diagnostic record of every graph build to a Lode
// dataset.
//
// Each build produces one summary record (record_kind=build) plus one record
// per module (record_kind=module), partitioned by server_id/day/build_id. The
// journal is write-only from kiln's point of view; it is never consulted when
// building a graph.
package journal

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/kiln/graph"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "kiln"

// Record kinds.
const (
	RecordKindBuild  = "build"
	RecordKindModule = "module"
)

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"server_id", "day", "build_id", "record_kind"}

// Config identifies the journal's dataset and partition.
type Config struct {
	Dataset  string
	ServerID string
}

// Journal writes build records. Safe for concurrent use.
type Journal struct {
	dataset   lode.Dataset
	config    Config
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time

	// serializes writes so snapshots land in build order
	mu sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the journal logger.
func WithLogger(l *log.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithCollector records write outcomes on c.
func WithCollector(c *metrics.Collector) Option {
	return func(j *Journal) { j.collector = c }
}

// New creates a journal over factory. Use lode.NewMemoryFactory() in tests.
func New(cfg Config, factory lode.StoreFactory, opts ...Option) (*Journal, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.ServerID == "" {
		return nil, fmt.Errorf("journal: server id is required")
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	j := &Journal{
		dataset: ds,
		config:  cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// NewFS creates a journal stored under root on the local filesystem.
func NewFS(cfg Config, root string, opts ...Option) (*Journal, error) {
	return New(cfg, lode.NewFSFactory(root), opts...)
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Write records g. A nil journal discards the build.
func (j *Journal) Write(ctx context.Context, g *graph.Graph) error {
	if j == nil || g == nil {
		return nil
	}

	now := j.now().UTC()
	records := make([]any, 0, len(g.Order)+1)
	records = append(records, j.buildRecord(g, now))
	for _, e := range g.Order {
		records = append(records, j.moduleRecord(g, e, now))
	}

	j.mu.Lock()
	_, err := j.dataset.Write(ctx, records, lode.Metadata{
		"build_id": g.ID,
		"entry":    g.Entry,
	})
	j.mu.Unlock()

	if err != nil {
		j.collector.IncJournalWriteFailure()
		err = WrapWriteError(err, j.config.Dataset+"/build_id="+g.ID)
		j.logger.Warn("journal write failed", map[string]any{
			"build_id": g.ID,
			"error":    err.Error(),
		})
		return err
	}
	j.collector.IncJournalWriteSuccess()
	return nil
}

// Close releases journal resources.
func (j *Journal) Close() error {
	return nil
}

func (j *Journal) partition(g *graph.Graph, now time.Time, kind string) map[string]any {
	return map[string]any{
		"record_kind": kind,
		"server_id":   j.config.ServerID,
		"day":         now.Format(time.DateOnly),
		"build_id":    g.ID,
	}
}

func (j *Journal) buildRecord(g *graph.Graph, now time.Time) map[string]any {
	var dynamic, external int
	for _, e := range g.Order {
		if e.IsDynamic {
			dynamic++
		}
		if e.External {
			external++
		}
	}
	failures := make([]map[string]any, 0, len(g.Diagnostics))
	for _, d := range g.Diagnostics {
		failures = append(failures, map[string]any{
			"module_id": d.ID,
			"message":   d.Error.Message,
			"plugin":    d.Error.Plugin,
		})
	}

	m := j.partition(g, now, RecordKindBuild)
	m["protocol_version"] = types.ProtocolVersion
	m["entry"] = g.Entry
	m["ts"] = now.Format(time.RFC3339Nano)
	m["duration_ms"] = g.Duration.Milliseconds()
	m["modules"] = len(g.Order)
	m["dynamic_modules"] = dynamic
	m["external_modules"] = external
	m["failures"] = failures
	return m
}

func (j *Journal) moduleRecord(g *graph.Graph, e *graph.Entry, now time.Time) map[string]any {
	m := j.partition(g, now, RecordKindModule)
	m["module_id"] = e.ID
	m["is_dynamic"] = e.IsDynamic
	m["external"] = e.External
	m["deps"] = e.Deps
	m["dynamic_deps"] = e.DynamicDeps
	m["parents"] = e.Parents
	m["code_bytes"] = len(e.Code)
	m["code_hash"] = strconv.FormatUint(xxhash.Sum64String(e.Code), 16)
	return m
}
