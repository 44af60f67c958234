package graph

import (
	"slices"
	"strings"
	"sync"

	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/types"
)

// Store holds the most recent graph per entry and the reverse edges the
// invalidation tracker walks. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	graphs    map[string]*Graph
	outgoing  map[string][]string
	importers map[string]map[string]struct{}
	byFile    map[string]map[string]struct{}
	fileOf    func(id string) string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFileOf sets how module ids map to the files the watcher reports.
// Pass (*resolve.Resolver).FileOf so root-relative ids are indexed under
// their absolute path. Defaults to resolve.FileOf, which knows no root.
func WithFileOf(fn func(id string) string) StoreOption {
	return func(s *Store) { s.fileOf = fn }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		graphs:    make(map[string]*Graph),
		outgoing:  make(map[string][]string),
		importers: make(map[string]map[string]struct{}),
		byFile:    make(map[string]map[string]struct{}),
		fileOf:    resolve.FileOf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record replaces the graph for g.Entry and indexes its edges.
func (s *Store) Record(g *Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.Entry] = g
	for _, e := range g.Order {
		s.setEdgesLocked(e.ID, e.Deps, e.DynamicDeps)
	}
}

// Observe indexes a module fetched outside a graph walk, such as one
// requested by the consumer over RPC.
func (s *Store) Observe(id string, mod *types.TransformedModule) {
	if mod == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setEdgesLocked(id, mod.Deps, mod.DynamicDeps)
}

func (s *Store) setEdgesLocked(id string, deps, dynamicDeps []string) {
	for _, old := range s.outgoing[id] {
		if set := s.importers[old]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(s.importers, old)
			}
		}
	}

	edges := make([]string, 0, len(deps)+len(dynamicDeps))
	edges = append(edges, deps...)
	edges = append(edges, dynamicDeps...)
	s.outgoing[id] = edges
	for _, dep := range edges {
		set := s.importers[dep]
		if set == nil {
			set = make(map[string]struct{})
			s.importers[dep] = set
		}
		set[id] = struct{}{}
	}

	s.indexFileLocked(id)
	for _, dep := range edges {
		s.indexFileLocked(dep)
	}
}

func (s *Store) indexFileLocked(id string) {
	key := s.fileKey(id)
	set := s.byFile[key]
	if set == nil {
		set = make(map[string]struct{})
		s.byFile[key] = set
	}
	set[id] = struct{}{}
}

// fileKey is the watcher-facing key for id: its backing file, or the id
// without the virtual prefix for virtual modules.
func (s *Store) fileKey(id string) string {
	if f := s.fileOf(id); f != "" {
		return f
	}
	return strings.TrimPrefix(id, types.VirtualPrefix)
}

// Importers returns the known direct importers of id, sorted.
func (s *Store) Importers(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.importers[id])
}

// ModulesByFile returns the ids backed by path, sorted.
func (s *Store) ModulesByFile(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byFile[path])
}

// IDs returns every known module id, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.outgoing))
	for id, edges := range s.outgoing {
		seen[id] = struct{}{}
		for _, dep := range edges {
			seen[dep] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Graph returns the last graph recorded for entry.
func (s *Store) Graph(entry string) (*Graph, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[entry]
	return g, ok
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
