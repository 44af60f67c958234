// Package devserver wires the resolver, graph builder, invalidation tracker
// and manifest builder behind the RPC handler a consumer talks to.
package devserver

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/graph"
	"github.com/pithecene-io/kiln/invalidate"
	"github.com/pithecene-io/kiln/journal"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/manifest"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/rpc"
	"github.com/pithecene-io/kiln/types"
)

// TemplatePrefix prefixes the virtual module ids generated from templates.
const TemplatePrefix = "virtual:kiln:"

// Options configures a Service.
type Options struct {
	// Resolver is required.
	Resolver *resolve.Resolver
	// Store defaults to a fresh graph.Store.
	Store *graph.Store

	ClientEntry string
	NoScripts   bool

	Notifier  *adapter.Notifier
	Journal   *journal.Journal
	Logger    *log.Logger
	Collector *metrics.Collector
	// BuildIDs generates graph build ids. Defaults to random UUIDs.
	BuildIDs func() string
}

// Service serves consumer requests and tracks invalidations.
type Service struct {
	resolver  *resolve.Resolver
	store     *graph.Store
	builder   *graph.Builder
	tracker   *invalidate.Tracker
	manifest  manifest.Options
	notifier  *adapter.Notifier
	journal   *journal.Journal
	logger    *log.Logger
	collector *metrics.Collector
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Resolver == nil {
		return nil, errors.New("devserver requires a resolver")
	}
	store := opts.Store
	if store == nil {
		store = graph.NewStore(graph.WithFileOf(opts.Resolver.FileOf))
	}
	builderOpts := []graph.BuilderOption{
		graph.WithStore(store),
		graph.WithLogger(opts.Logger),
		graph.WithCollector(opts.Collector),
	}
	if opts.BuildIDs != nil {
		builderOpts = append(builderOpts, graph.WithBuildIDs(opts.BuildIDs))
	}
	return &Service{
		resolver: opts.Resolver,
		store:    store,
		builder:  graph.NewBuilder(opts.Resolver, builderOpts...),
		tracker:  invalidate.NewTracker(store, opts.Logger, opts.Collector),
		manifest: manifest.Options{
			ClientEntry: opts.ClientEntry,
			NoScripts:   opts.NoScripts,
		},
		notifier:  opts.Notifier,
		journal:   opts.Journal,
		logger:    opts.Logger,
		collector: opts.Collector,
	}, nil
}

// Store returns the graph store backing the service.
func (s *Service) Store() *graph.Store { return s.store }

// Tracker returns the invalidation tracker.
func (s *Service) Tracker() *invalidate.Tracker { return s.tracker }

// Manifest builds the client manifest from every module seen so far.
func (s *Service) Manifest(context.Context) (types.Manifest, error) {
	return manifest.Build(s.store, s.manifest), nil
}

// Invalidates drains the tracker.
func (s *Service) Invalidates(context.Context) ([]string, error) {
	return s.tracker.Drain(), nil
}

// Resolve resolves a specifier against its importer.
func (s *Service) Resolve(ctx context.Context, req *rpc.ResolveRequest) (*types.ResolvedID, error) {
	return s.resolver.ResolveID(ctx, req.Specifier, req.Importer)
}

// Module fetches one module strictly; transform failures become errors. The
// module's edges are recorded so later file changes reach its importers.
func (s *Service) Module(ctx context.Context, req *rpc.ModuleRequest) (*types.TransformedModule, error) {
	mod, err := s.resolver.Fetch(ctx, req.ModuleID)
	if err != nil {
		return nil, err
	}
	s.store.Observe(req.ModuleID, mod)
	return mod, nil
}

// Build walks the graph from entry and journals the result. Journal failures
// are logged and do not fail the build.
func (s *Service) Build(ctx context.Context, entry string) (*graph.Graph, error) {
	g, err := s.builder.Build(ctx, entry)
	if err != nil {
		return nil, err
	}
	_ = s.journal.Write(ctx, g)
	return g, nil
}

// Bundle builds the graph from entry and emits the loader bundle.
func (s *Service) Bundle(ctx context.Context, entry string) (*graph.Bundle, error) {
	g, err := s.Build(ctx, entry)
	if err != nil {
		return nil, err
	}
	return graph.Emit(g), nil
}

// FilesChanged invalidates every module produced from paths and notifies
// downstream systems. It matches watch.Config.OnChange.
func (s *Service) FilesChanged(ctx context.Context, paths []string) error {
	var marked []string
	for _, p := range paths {
		s.resolver.Invalidate(append(s.store.ModulesByFile(p), p)...)
		marked = append(marked, s.tracker.MarkFile(p)...)
	}
	if len(marked) == 0 {
		return nil
	}
	s.logger.Info("modules invalidated", map[string]any{
		"files":   len(paths),
		"modules": len(marked),
	})
	if err := s.notifier.Notify(ctx, paths, marked); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// InvalidateTemplate marks the virtual module generated for the template
// written to dst, and everything importing it.
func (s *Service) InvalidateTemplate(ctx context.Context, dst string) []string {
	key := TemplateID(dst)
	s.resolver.Invalidate(key, "\x00"+key)
	marked := s.tracker.MarkFile(key)
	if len(marked) > 0 {
		_ = s.notifier.Notify(ctx, nil, marked)
	}
	return marked
}

// TemplateID returns the virtual module id for a template written to dst.
// dst is escaped the way JavaScript's encodeURIComponent does it.
func TemplateID(dst string) string {
	return TemplatePrefix + uriComponent.Replace(url.QueryEscape(dst))
}

var uriComponent = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

var _ rpc.Handler = (*Service)(nil)
