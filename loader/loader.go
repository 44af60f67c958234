// Package loader executes modules with ES-module semantics: single-flight
// instantiation, namespaces allocated before their body runs, cycle-tolerant
// imports and live re-export bindings. It mirrors the runtime emitted into
// loader bundles.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/pithecene-io/kiln/log"
)

// ErrNotFound is returned for ids with no registered body.
var ErrNotFound = errors.New("module not found")

// ExecError wraps a failure raised by a module body.
type ExecError struct {
	ID  string
	Err error
	// Stack is the goroutine stack captured when the body panicked.
	Stack string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("module %s: %v", e.ID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Body is a module's code. It declares exports on scope.Exports and imports
// other modules through scope.
type Body func(ctx context.Context, scope *Scope) error

// ImportMeta is the per-module import.meta.
type ImportMeta struct {
	URL string
}

type entry struct {
	stub *Stub
	done chan struct{}
	err  error
}

func (e *entry) wait(ctx context.Context) (*Stub, error) {
	select {
	case <-e.done:
		if e.err != nil {
			return nil, e.err
		}
		return e.stub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loader instantiates modules from registered bodies. Safe for concurrent
// use; all cache decisions are made under one mutex.
type Loader struct {
	logger *log.Logger

	mu             sync.Mutex
	bodies         map[string]Body
	entries        map[string]*entry
	pendingImports map[string][]string
	importers      map[string]map[string]struct{}
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a Loader over bodies. The map is copied.
func New(bodies map[string]Body, opts ...Option) *Loader {
	l := &Loader{
		bodies:         make(map[string]Body, len(bodies)),
		entries:        make(map[string]*entry),
		pendingImports: make(map[string][]string),
		importers:      make(map[string]map[string]struct{}),
	}
	for id, b := range bodies {
		l.bodies[id] = b
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register sets or replaces the body for id. An already instantiated module
// keeps its namespace until it is invalidated.
func (l *Loader) Register(id string, body Body) {
	l.mu.Lock()
	l.bodies[id] = body
	l.mu.Unlock()
}

// Load returns the namespace of id, instantiating it at most once. Callers
// that arrive while id is instantiating wait for the same result. A failed
// instantiation is forgotten so a later Load retries.
func (l *Loader) Load(ctx context.Context, id string) (*Stub, error) {
	return l.load(ctx, id, nil)
}

func (l *Loader) load(ctx context.Context, id string, stack []string) (*Stub, error) {
	l.mu.Lock()
	if e, ok := l.entries[id]; ok {
		l.mu.Unlock()
		return e.wait(ctx)
	}
	body, ok := l.bodies[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := &entry{stub: newStub(id), done: make(chan struct{})}
	l.entries[id] = e
	l.mu.Unlock()

	scope := &Scope{
		ID:      id,
		Exports: e.stub,
		Meta:    ImportMeta{URL: id},
		loader:  l,
		stack:   append(slices.Clip(stack), id),
	}
	trace, err := l.run(ctx, body, scope)

	l.mu.Lock()
	if err != nil {
		err = &ExecError{ID: id, Err: err, Stack: trace}
		if l.entries[id] == e {
			delete(l.entries, id)
		}
	}
	e.err = err
	close(e.done)
	l.mu.Unlock()

	if err != nil {
		l.logger.Debug("module instantiation failed", map[string]any{
			"id":    id,
			"error": err.Error(),
		})
		return nil, err
	}
	return e.stub, nil
}

func (l *Loader) run(ctx context.Context, body Body, scope *Scope) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return "", body(ctx, scope)
}

// Loaded reports whether id has a settled or in-flight instantiation.
func (l *Loader) Loaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok
}

// InvalidateDepTree evicts ids and, transitively, every module recorded as
// importing one of them. It returns the evicted ids in visit order.
func (l *Loader) InvalidateDepTree(ids []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	var visit func(id string)
	visit = func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
		delete(l.entries, id)
		importers := make([]string, 0, len(l.importers[id]))
		for imp := range l.importers[id] {
			importers = append(importers, imp)
		}
		slices.Sort(importers)
		for _, imp := range importers {
			visit(imp)
		}
	}
	for _, id := range ids {
		visit(id)
	}
	return out
}

// Scope is what a module body sees: its namespace, import.meta and the
// import functions bound to its position in the import stack.
type Scope struct {
	ID      string
	Exports *Stub
	Meta    ImportMeta

	loader *Loader
	stack  []string
}

func (s *Scope) onStack(id string) bool {
	return slices.Contains(s.stack, id)
}

// Import returns the namespace of dep. When dep is on the current import
// stack, or is itself waiting on a module on the stack, the possibly
// incomplete namespace is returned immediately instead of waiting.
func (s *Scope) Import(ctx context.Context, dep string) (*Stub, error) {
	l := s.loader
	l.mu.Lock()
	set := l.importers[dep]
	if set == nil {
		set = make(map[string]struct{})
		l.importers[dep] = set
	}
	set[s.ID] = struct{}{}

	if s.onStack(dep) || slices.ContainsFunc(l.pendingImports[dep], s.onStack) {
		e := l.entries[dep]
		l.mu.Unlock()
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dep)
		}
		return e.stub, nil
	}
	l.pendingImports[s.ID] = append(l.pendingImports[s.ID], dep)
	l.mu.Unlock()

	stub, err := l.load(ctx, dep, s.stack)

	l.mu.Lock()
	pending := l.pendingImports[s.ID]
	if i := slices.Index(pending, dep); i >= 0 {
		pending = slices.Delete(pending, i, i+1)
	}
	if len(pending) == 0 {
		delete(l.pendingImports, s.ID)
	} else {
		l.pendingImports[s.ID] = pending
	}
	l.mu.Unlock()
	return stub, err
}

// DynamicImport has the same semantics as Import.
func (s *Scope) DynamicImport(ctx context.Context, dep string) (*Stub, error) {
	return s.Import(ctx, dep)
}

// ExportAll re-exports every export of src except the default export as a
// live binding. Names this module declares locally keep their local value.
func (s *Scope) ExportAll(src *Stub) {
	for _, key := range src.Keys() {
		if key == DefaultExport {
			continue
		}
		_ = s.Exports.forward(key, func() any { return src.Value(key) })
	}
}
