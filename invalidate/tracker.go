// Package invalidate tracks modules whose transformed output is stale.
package invalidate

import (
	"slices"
	"sync"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
)

// Index answers reverse-dependency questions. *graph.Store implements it.
type Index interface {
	Importers(id string) []string
	ModulesByFile(path string) []string
}

// Tracker is the process-lifetime set of invalidated ids. Marks and drains
// are serialized by one mutex, so each mark lands in exactly one drain.
type Tracker struct {
	index     Index
	logger    *log.Logger
	collector *metrics.Collector

	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

// NewTracker creates a Tracker. index may be nil, in which case marks do
// not propagate to importers.
func NewTracker(index Index, logger *log.Logger, collector *metrics.Collector) *Tracker {
	return &Tracker{
		index:     index,
		logger:    logger,
		collector: collector,
		set:       make(map[string]struct{}),
	}
}

// MarkDirty adds id and, transitively, its importers. It returns the ids
// that were not already marked, in mark order.
func (t *Tracker) MarkDirty(id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []string
	t.markLocked(id, &added)
	return added
}

// MarkFile marks the raw path and every module backed by it.
func (t *Tracker) MarkFile(path string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []string
	var modules []string
	if t.index != nil {
		modules = t.index.ModulesByFile(path)
	}
	if !slices.Contains(modules, path) {
		t.addLocked(path, &added)
	}
	for _, id := range modules {
		t.markLocked(id, &added)
	}
	if len(added) > 0 {
		t.logger.Debug("file invalidated", map[string]any{
			"path":    path,
			"modules": len(added),
		})
	}
	return added
}

func (t *Tracker) markLocked(id string, added *[]string) {
	if !t.addLocked(id, added) {
		return
	}
	if t.index == nil {
		return
	}
	for _, imp := range t.index.Importers(id) {
		t.markLocked(imp, added)
	}
}

func (t *Tracker) addLocked(id string, added *[]string) bool {
	if _, ok := t.set[id]; ok {
		return false
	}
	t.set[id] = struct{}{}
	t.order = append(t.order, id)
	*added = append(*added, id)
	t.collector.IncInvalidationsMarked()
	return true
}

// Drain returns every marked id in mark order and clears the set.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.order
	if out == nil {
		out = []string{}
	}
	t.set = make(map[string]struct{})
	t.order = nil
	t.collector.AddInvalidationsDrained(len(out))
	return out
}

// Len returns the number of pending ids.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
