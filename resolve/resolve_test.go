package resolve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/transform"
)

func existsIn(paths ...string) func(string) bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(p string) bool { return set[filepath.ToSlash(p)] }
}

func TestNormalize(t *testing.T) {
	exists := existsIn("/srv/app/pages/index.vue", "/etc/hosts")
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"virtual marker", "/@id/__x00__virtual:nuxt/app", "\x00virtual:nuxt/app"},
		{"id marker", "/@id/virtual:kiln/templates", "virtual:kiln/templates"},
		{"fs marker", "/@fs/usr/lib/node_modules/vue/index.mjs", "/usr/lib/node_modules/vue/index.mjs"},
		{"fs drive letter", "/@fs/C:/work/app.ts", "C:/work/app.ts"},
		{"root relative", "/pages/index.vue", "/srv/app/pages/index.vue"},
		{"absolute exists", "/etc/hosts", "/etc/hosts"},
		{"root relative missing", "/nope.ts", "/nope.ts"},
		{"bare", "vue", "vue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize("/srv/app", tt.id, exists); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestFileOf(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"/srv/app/a.vue?vue&type=style&index=0&lang.css", "/srv/app/a.vue"},
		{"/@fs/srv/lib/x.ts", "/srv/lib/x.ts"},
		{"/@id/__x00__virtual:nuxt/app", ""},
	}
	for _, tt := range tests {
		if got := FileOf(tt.id); got != tt.want {
			t.Errorf("FileOf(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestExternals(t *testing.T) {
	ext := &Externals{
		Inline:      MustParsePatterns("/vue-router/", "@nuxt/ui"),
		External:    MustParsePatterns("/\\.wasm$/i", "lodash"),
		ForceInline: []string{"/srv/app/node_modules/ufo/dist/index.mjs"},
	}
	tests := []struct {
		id   string
		want bool
	}{
		{"fs", true},
		{"node:fs/promises", true},
		{"/srv/app/node_modules/vue/index.mjs", true},
		{"/srv/app/node_modules/vue/index.mjs?v=abc123", true},
		{"/srv/app/node_modules/vue-router/dist/index.mjs", false},
		{"/srv/app/node_modules/@nuxt/ui/dist/module.mjs", false},
		{"/srv/app/node_modules/ufo/dist/index.mjs", false},
		{"/srv/app/assets/app.WASM", true},
		{"lodash/merge", true},
		{"/srv/app/main.ts", false},
	}
	for _, tt := range tests {
		if got := ext.IsExternal(tt.id); got != tt.want {
			t.Errorf("IsExternal(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}

	var nilExt *Externals
	if !nilExt.IsExternal("path") || nilExt.IsExternal("/srv/app/main.ts") {
		t.Error("nil Externals should apply only the default rule")
	}
}

func TestParsePattern(t *testing.T) {
	if _, err := ParsePattern(""); err == nil {
		t.Error("expected error for empty pattern")
	}
	if _, err := ParsePattern("/(unclosed/"); err == nil {
		t.Error("expected error for invalid regex")
	}
	// Looks like a path, not a regex: the tail is not a flag set.
	p, err := ParsePattern("/srv/app/x")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Match("/srv/app/x") || p.String() != "/srv/app/x" {
		t.Errorf("literal pattern %q did not match itself", p)
	}
	// ECMAScript lookahead, which RE2 cannot express.
	la := MustParsePatterns("/^(?!.*\\.server\\.).*\\.mjs$/")[0]
	if !la.Match("/a/b.mjs") || la.Match("/a/b.server.mjs") {
		t.Error("lookahead pattern mismatch")
	}
}

func TestParsePattern_Flags(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"/\\.WASM$/", "/a/b.wasm", false},
		{"/\\.WASM$/i", "/a/b.wasm", true},
		{"/^b\\.mjs$/", "a\nb.mjs", false},
		{"/^b\\.mjs$/m", "a\nb.mjs", true},
		{"/a.b/", "a\nb", false},
		{"/a.b/s", "a\nb", true},
		{"/^[\\w]+$/", "caf\u00e9", false},
	}
	for _, tt := range tests {
		p, err := ParsePattern(tt.pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", tt.pattern, err)
		}
		if got := p.Match(tt.id); got != tt.want {
			t.Errorf("%s.Match(%q) = %v, want %v", tt.pattern, tt.id, got, tt.want)
		}
	}
}

func TestResolve_SharedTransformSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	r := newResolver(t, func(ctx context.Context, _ string) (*transform.Result, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &transform.Result{Code: "export default 1"}, nil
	}, false)

	ctx, cancel := context.WithCancel(t.Context())
	first := make(chan error, 1)
	go func() {
		_, err := r.Fetch(ctx, "/srv/app/main.ts")
		first <- err
	}()
	<-started

	type result struct {
		code string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		mod, err := r.Fetch(t.Context(), "/srv/app/main.ts")
		if err != nil {
			second <- result{err: err}
			return
		}
		second <- result{code: mod.Code}
	}()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("live caller error = %v", got.err)
	}
	if !strings.Contains(got.code, "export default 1") {
		t.Errorf("live caller code = %q", got.code)
	}
}

func TestWrap(t *testing.T) {
	got := Wrap("__vite_ssr_exports__.default = 1")
	want := "async function (global, __vite_ssr_exports__, __vite_ssr_import_meta__, " +
		"__vite_ssr_import__, __vite_ssr_dynamic_import__, __vite_ssr_exportAll__) {\n" +
		"__vite_ssr_exports__.default = 1;\n}"
	if got != want {
		t.Errorf("Wrap() =\n%s\nwant\n%s", got, want)
	}
	if !strings.Contains(Wrap("  "), "{\n/* empty */;\n}") {
		t.Errorf("Wrap(blank) = %q", Wrap("  "))
	}
}

func TestExternalStub(t *testing.T) {
	got := ExternalStub("/@fs/srv/node_modules/it's.mjs")
	want := `(global, exports, importMeta, ssrImport, ssrDynamicImport, ssrExportAll) => import('/srv/node_modules/it\'s.mjs').then(r => { ssrExportAll(r) })`
	if got != want {
		t.Errorf("ExternalStub() =\n%s\nwant\n%s", got, want)
	}
}

func TestQuoteJS(t *testing.T) {
	if got := QuoteJS("a\\b\n\x00c"); got != `'a\\b\n\x00c'` {
		t.Errorf("QuoteJS() = %s", got)
	}
}

func newResolver(t *testing.T, tr transform.Func, cache bool) *Resolver {
	t.Helper()
	r, err := New(Options{
		Root:        "/srv/app",
		Transformer: tr,
		Cache:       cache,
		Exists:      existsIn("/srv/app/main.ts", "/srv/app/util/index.ts", "/srv/app/b.ts"),
		ReadFile: func(string) ([]byte, error) {
			return []byte("const a = 1\nconst = 2\n"), nil
		},
		Logger: log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestResolve_TransformFailureYieldsEmptyModule(t *testing.T) {
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		return nil, errors.New("boom")
	}, false)

	mod, err := r.Resolve(t.Context(), "/main.ts")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mod.ID != "/srv/app/main.ts" {
		t.Errorf("ID = %q", mod.ID)
	}
	if !strings.Contains(mod.Code, "/* empty */") {
		t.Errorf("Code = %q, want empty module", mod.Code)
	}
	if len(mod.Deps) != 0 || len(mod.DynamicDeps) != 0 {
		t.Errorf("deps = %v / %v, want none", mod.Deps, mod.DynamicDeps)
	}

	diags := r.Diagnostics()
	if len(diags) != 1 || diags[0].ID != "/srv/app/main.ts" || diags[0].Error.Message != "boom" {
		t.Errorf("Diagnostics() = %+v", diags)
	}
}

func TestResolve_SuccessClearsDiagnostic(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return &transform.Result{Code: "ok"}, nil
	}, false)

	if _, err := r.Resolve(t.Context(), "/main.ts"); err != nil {
		t.Fatal(err)
	}
	fail.Store(false)
	if _, err := r.Resolve(t.Context(), "/main.ts"); err != nil {
		t.Fatal(err)
	}
	if d := r.Diagnostics(); len(d) != 0 {
		t.Errorf("Diagnostics() = %+v, want none", d)
	}
}

func TestResolve_ContextCanceled(t *testing.T) {
	r := newResolver(t, func(ctx context.Context, _ string) (*transform.Result, error) {
		return nil, ctx.Err()
	}, false)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := r.Resolve(ctx, "/main.ts"); !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestFetch_ReturnsStructuredError(t *testing.T) {
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		return nil, &transform.Error{Message: "Unexpected token", Code: "PARSE_ERROR", Loc: &transform.Loc{Line: 2, Column: 6}}
	}, false)

	_, err := r.Fetch(t.Context(), "/main.ts")
	var te *transform.Error
	if !errors.As(err, &te) {
		t.Fatalf("Fetch() error = %v, want *transform.Error", err)
	}
	if te.ID != "/srv/app/main.ts" {
		t.Errorf("ID = %q", te.ID)
	}
	if !strings.Contains(te.Frame, "2  |  const = 2") {
		t.Errorf("Frame = %q, want source frame", te.Frame)
	}
}

func TestFetch_WrapsSuccess(t *testing.T) {
	r := newResolver(t, func(_ context.Context, id string) (*transform.Result, error) {
		return &transform.Result{Code: "x", Deps: []string{"/srv/app/b.ts"}, DynamicDeps: []string{"/srv/app/c.ts"}}, nil
	}, false)
	mod, err := r.Fetch(t.Context(), "/@fs/srv/app/main.ts")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if mod.ID != "/srv/app/main.ts" || mod.Code != Wrap("x") {
		t.Errorf("module = %+v", mod)
	}
	if len(mod.Deps) != 1 || len(mod.DynamicDeps) != 1 {
		t.Errorf("deps = %v / %v", mod.Deps, mod.DynamicDeps)
	}
}

func TestResolve_ExternalSkipsTransform(t *testing.T) {
	var calls atomic.Int32
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		calls.Add(1)
		return &transform.Result{}, nil
	}, false)

	mod, err := r.Resolve(t.Context(), "/srv/app/node_modules/vue/index.mjs")
	if err != nil {
		t.Fatal(err)
	}
	if !mod.External || !strings.Contains(mod.Code, "import('/srv/app/node_modules/vue/index.mjs')") {
		t.Errorf("module = %+v", mod)
	}
	if len(mod.Deps) != 0 {
		t.Errorf("external deps = %v, want none", mod.Deps)
	}
	if calls.Load() != 0 {
		t.Errorf("transform called %d times for external", calls.Load())
	}
}

func TestResolve_CacheAndInvalidate(t *testing.T) {
	var calls atomic.Int32
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		calls.Add(1)
		return &transform.Result{Code: "x"}, nil
	}, true)

	for range 3 {
		if _, err := r.Resolve(t.Context(), "/srv/app/main.ts"); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	r.Invalidate("/srv/app/main.ts")
	if _, err := r.Resolve(t.Context(), "/main.ts"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls after invalidate = %d, want 2", calls.Load())
	}
}

func TestResolveID(t *testing.T) {
	r := newResolver(t, func(context.Context, string) (*transform.Result, error) {
		return &transform.Result{}, nil
	}, false)

	tests := []struct {
		name     string
		id       string
		importer string
		wantID   string
		external bool
		wantNil  bool
	}{
		{"root relative", "/main.ts", "", "/srv/app/main.ts", false, false},
		{"relative to importer", "./b", "/srv/app/main.ts", "/srv/app/b.ts", false, false},
		{"directory index", "./util", "/srv/app/main.ts", "/srv/app/util/index.ts", false, false},
		{"builtin", "node:path", "", "node:path", true, false},
		{"virtual", "/@id/__x00__virtual:nuxt/app", "", "\x00virtual:nuxt/app", false, false},
		{"missing", "./missing", "/srv/app/main.ts", "", false, true},
		{"bare unresolvable", "some-pkg", "", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveID(t.Context(), tt.id, tt.importer)
			if err != nil {
				t.Fatalf("ResolveID() error = %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ResolveID() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ResolveID() = nil")
			}
			if got.ID != tt.wantID || got.External != tt.external {
				t.Errorf("ResolveID() = %+v, want {%s %v}", got, tt.wantID, tt.external)
			}
		})
	}

	if _, err := r.ResolveID(t.Context(), "", ""); !errors.Is(err, ErrMissingID) {
		t.Errorf("ResolveID(\"\") error = %v, want ErrMissingID", err)
	}
}

func TestNew_RequiresTransformer(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_DefaultExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.ts"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := New(Options{Root: dir, Transformer: transform.Func(func(context.Context, string) (*transform.Result, error) {
		return &transform.Result{}, nil
	})})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Normalize("/a.ts"); got != filepath.ToSlash(filepath.Join(dir, "a.ts")) {
		t.Errorf("Normalize() = %q", got)
	}
}
