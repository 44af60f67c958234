// Package resolve turns module ids into wrapped, executable module records.
// It normalizes collaborator id markers, decides which modules stay external,
// calls the transform collaborator and wraps the result for the loader
// runtime.
package resolve

import (
	"cmp"
	"context"
	"errors"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/transform"
	"github.com/pithecene-io/kiln/types"
)

// ErrMissingID is returned by ResolveID for an empty specifier.
var ErrMissingID = errors.New("missing id for resolve")

// Options configures a Resolver.
type Options struct {
	// Root is the project root used for root-relative ids.
	Root string
	// Transformer is the transform collaborator (required).
	Transformer transform.Transformer
	// Externals decides which ids are loaded natively. Nil applies only the
	// default rule.
	Externals *Externals
	// Cache keeps transformed modules until Invalidate is called for them.
	// Only enable it when something invalidates on file change.
	Cache bool
	// Exists reports whether a path exists. Defaults to os.Stat.
	Exists func(string) bool
	// ReadFile reads source for error frames. Defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Diagnostic records a transform failure that was replaced by an empty module.
type Diagnostic struct {
	ID    string
	Error *transform.Error
}

// Resolver resolves and transforms modules. Safe for concurrent use.
type Resolver struct {
	root        string
	transformer transform.Transformer
	externals   *Externals
	cacheOn     bool
	exists      func(string) bool
	readFile    func(string) ([]byte, error)
	logger      *log.Logger
	collector   *metrics.Collector

	group singleflight.Group

	mu          sync.Mutex
	cache       map[string]*types.TransformedModule
	diagnostics map[string]*transform.Error
}

// New creates a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.Transformer == nil {
		return nil, errors.New("resolver requires a transformer")
	}
	r := &Resolver{
		root:        opts.Root,
		transformer: opts.Transformer,
		externals:   opts.Externals,
		cacheOn:     opts.Cache,
		exists:      opts.Exists,
		readFile:    opts.ReadFile,
		logger:      opts.Logger,
		collector:   opts.Collector,
		cache:       make(map[string]*types.TransformedModule),
		diagnostics: make(map[string]*transform.Error),
	}
	if r.exists == nil {
		r.exists = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}
	if r.readFile == nil {
		r.readFile = os.ReadFile
	}
	return r, nil
}

// Normalize applies the id marker rules against the resolver's root.
func (r *Resolver) Normalize(id string) string {
	return Normalize(r.root, id, r.exists)
}

// IsExternal reports whether the normalized id is loaded natively.
func (r *Resolver) IsExternal(id string) bool {
	return r.externals.IsExternal(r.Normalize(id))
}

// Resolve returns the wrapped module for id. A transform failure is logged,
// recorded as a Diagnostic and replaced by an empty module; only context
// errors are returned.
func (r *Resolver) Resolve(ctx context.Context, id string) (*types.TransformedModule, error) {
	mod, err := r.load(ctx, id)
	if err == nil {
		return mod, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	normalized := r.Normalize(id)
	te := transform.AsError(err, normalized)
	r.mu.Lock()
	r.diagnostics[normalized] = te
	r.mu.Unlock()

	r.logger.Warn("transform failed, using empty module", map[string]any{
		"id":    normalized,
		"error": te.Error(),
	})
	return &types.TransformedModule{
		ID:          normalized,
		Code:        Wrap(""),
		Deps:        []string{},
		DynamicDeps: []string{},
	}, nil
}

// Fetch returns the wrapped module for id or the transform failure as a
// *transform.Error. The error's Frame is filled from the source file when the
// collaborator reported a location without one.
func (r *Resolver) Fetch(ctx context.Context, id string) (*types.TransformedModule, error) {
	mod, err := r.load(ctx, id)
	if err == nil {
		return mod, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	normalized := r.Normalize(id)
	te := transform.AsError(err, normalized)
	if te.Frame == "" && te.Loc != nil {
		if file := fileOf(normalized); file != "" {
			if src, readErr := r.readFile(file); readErr == nil {
				te.WithSourceFrame(string(src))
			}
		}
	}
	return nil, te
}

func (r *Resolver) load(ctx context.Context, id string) (*types.TransformedModule, error) {
	normalized := r.Normalize(id)

	if r.cacheOn {
		r.mu.Lock()
		mod, ok := r.cache[normalized]
		r.mu.Unlock()
		if ok {
			r.collector.IncCacheHits()
			return mod, nil
		}
	}

	if r.externals.IsExternal(normalized) {
		r.collector.IncExternalModules()
		mod := &types.TransformedModule{
			ID:          normalized,
			Code:        ExternalStub(normalized),
			Deps:        []string{},
			DynamicDeps: []string{},
			External:    true,
		}
		r.store(normalized, mod)
		return mod, nil
	}

	// The shared transform outlives any one caller; each caller stops
	// waiting on its own context.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(normalized, func() (any, error) {
		res, err := r.transformer.Transform(shared, normalized)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	var done singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case done = <-ch:
	}
	if done.Err != nil {
		r.collector.IncTransformFailure()
		return nil, done.Err
	}
	r.collector.IncTransformSuccess()

	res := done.Val.(*transform.Result)
	mod := &types.TransformedModule{
		ID:          normalized,
		Code:        Wrap(res.Code),
		Deps:        nonNil(res.Deps),
		DynamicDeps: nonNil(res.DynamicDeps),
	}
	r.mu.Lock()
	delete(r.diagnostics, normalized)
	r.mu.Unlock()
	r.store(normalized, mod)
	return mod, nil
}

func (r *Resolver) store(id string, mod *types.TransformedModule) {
	if !r.cacheOn {
		return
	}
	r.mu.Lock()
	r.cache[id] = mod
	r.mu.Unlock()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// ResolveID performs resolution only. It returns nil when the specifier
// cannot be found; only a missing id is an error.
func (r *Resolver) ResolveID(_ context.Context, id, importer string) (*types.ResolvedID, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	spec := StripVersionQuery(id)
	if isRelative(spec) && importer != "" {
		base := path.Dir(fileOf(r.Normalize(importer)))
		spec = path.Join(base, spec)
	}
	normalized := r.Normalize(spec)

	if r.externals.IsExternal(normalized) {
		return &types.ResolvedID{ID: normalized, External: true}, nil
	}
	if types.IsVirtual(normalized) {
		return &types.ResolvedID{ID: normalized}, nil
	}
	if !path.IsAbs(fileOf(normalized)) {
		return nil, nil
	}
	for _, c := range candidates(fileOf(normalized)) {
		if r.exists(c) {
			return &types.ResolvedID{ID: c + queryOf(normalized)}, nil
		}
	}
	return nil, nil
}

func queryOf(id string) string {
	if i := strings.IndexByte(id, '?'); i >= 0 {
		return id[i:]
	}
	return ""
}

// FileOf returns the file backing id after normalization against the
// resolver's root, or "" for virtual ids.
func (r *Resolver) FileOf(id string) string {
	return fileOf(r.Normalize(id))
}

// Invalidate drops cached modules for ids.
func (r *Resolver) Invalidate(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.cache, id)
		delete(r.cache, r.Normalize(id))
	}
}

// Diagnostics returns the outstanding transform failures, ordered by id.
// A later successful transform of the same id clears its entry.
func (r *Resolver) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, 0, len(r.diagnostics))
	for id, e := range r.diagnostics {
		out = append(out, Diagnostic{ID: id, Error: e})
	}
	slices.SortFunc(out, func(a, b Diagnostic) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
