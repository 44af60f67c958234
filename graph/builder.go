// Package graph walks module dependency graphs and emits self-contained
// loader bundles.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/types"
)

// EntryParent is the pseudo-parent recorded for the walk's entry module.
const EntryParent = "<entry>"

// Source produces transformed modules for the walk. Implementations must
// not fail on transform errors; only context errors abort the walk.
type Source interface {
	Resolve(ctx context.Context, id string) (*types.TransformedModule, error)
}

// diagnosticSource is implemented by sources that record lenient failures.
type diagnosticSource interface {
	Diagnostics() []resolve.Diagnostic
}

// Entry is one module in a built graph.
type Entry struct {
	ID          string   `json:"id" yaml:"id"`
	Code        string   `json:"-" yaml:"-"`
	Deps        []string `json:"deps" yaml:"deps"`
	DynamicDeps []string `json:"dynamicDeps" yaml:"dynamicDeps"`
	// IsDynamic is true while the module is only reachable through a dynamic
	// import. A static edge from a static entry clears it, together with the
	// flag on everything statically reachable from the entry.
	IsDynamic bool     `json:"isDynamic" yaml:"isDynamic"`
	External  bool     `json:"external,omitempty" yaml:"external,omitempty"`
	Parents   []string `json:"parents" yaml:"parents"`
}

// Graph is the result of one walk.
type Graph struct {
	ID       string
	Entry    string
	Modules  map[string]*Entry
	Order    []*Entry
	Duration time.Duration
	// Diagnostics lists the transform failures of modules in this graph that
	// were replaced by empty modules.
	Diagnostics []resolve.Diagnostic
}

// Module returns the entry for id.
func (g *Graph) Module(id string) (*Entry, bool) {
	e, ok := g.Modules[id]
	return e, ok
}

// Builder walks dependency graphs.
type Builder struct {
	source    Source
	store     *Store
	logger    *log.Logger
	collector *metrics.Collector
	newID     func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithStore records every built graph in store.
func WithStore(store *Store) BuilderOption {
	return func(b *Builder) { b.store = store }
}

// WithLogger sets the builder's logger.
func WithLogger(logger *log.Logger) BuilderOption {
	return func(b *Builder) { b.logger = logger }
}

// WithCollector sets the builder's metrics collector.
func WithCollector(c *metrics.Collector) BuilderOption {
	return func(b *Builder) { b.collector = c }
}

// WithBuildIDs sets the generator for Graph.ID.
func WithBuildIDs(fn func() string) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

// NewBuilder creates a Builder over source.
func NewBuilder(source Source, opts ...BuilderOption) *Builder {
	b := &Builder{source: source, newID: func() string { return "" }}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build walks the graph rooted at entry.
func (b *Builder) Build(ctx context.Context, entry string) (*Graph, error) {
	if entry == "" {
		return nil, errors.New("graph: empty entry id")
	}
	start := time.Now()
	w := &walk{
		source:  b.source,
		modules: make(map[string]*Entry),
	}
	if err := w.visit(ctx, entry, EntryParent, false); err != nil {
		return nil, err
	}

	g := &Graph{
		ID:       b.newID(),
		Entry:    entry,
		Modules:  w.modules,
		Order:    w.order,
		Duration: time.Since(start),
	}
	if ds, ok := b.source.(diagnosticSource); ok {
		for _, d := range ds.Diagnostics() {
			if _, in := g.Modules[d.ID]; in {
				g.Diagnostics = append(g.Diagnostics, d)
			}
		}
	}
	if b.store != nil {
		b.store.Record(g)
	}
	b.collector.IncGraphBuilds()
	b.collector.AddModulesWalked(len(g.Order))
	b.logger.Debug("graph built", map[string]any{
		"entry":       entry,
		"build_id":    g.ID,
		"modules":     len(g.Order),
		"diagnostics": len(g.Diagnostics),
		"duration_ms": g.Duration.Milliseconds(),
	})
	return g, nil
}

type walk struct {
	source  Source
	modules map[string]*Entry
	order   []*Entry
}

// visit expands id once. dynamic is true when the edge being followed is a
// dynamic import or leaves a dynamic entry.
func (w *walk) visit(ctx context.Context, id, parent string, dynamic bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if e, ok := w.modules[id]; ok {
		e.Parents = append(e.Parents, parent)
		if !dynamic {
			w.promote(e)
		}
		return nil
	}

	mod, err := w.source.Resolve(ctx, id)
	if err != nil {
		return err
	}
	e := &Entry{
		ID:          id,
		Code:        mod.Code,
		Deps:        mod.Deps,
		DynamicDeps: mod.DynamicDeps,
		IsDynamic:   dynamic,
		External:    mod.External,
		Parents:     []string{parent},
	}
	w.modules[id] = e
	w.order = append(w.order, e)

	for _, dep := range e.Deps {
		if err := w.visit(ctx, dep, id, e.IsDynamic); err != nil {
			return err
		}
	}
	for _, dep := range e.DynamicDeps {
		if err := w.visit(ctx, dep, id, true); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) promote(e *Entry) {
	if !e.IsDynamic {
		return
	}
	e.IsDynamic = false
	for _, dep := range e.Deps {
		if d, ok := w.modules[dep]; ok {
			w.promote(d)
		}
	}
}
