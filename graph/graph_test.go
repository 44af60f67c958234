package graph

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/transform"
	"github.com/pithecene-io/kiln/types"
)

// fakeSource serves fixed modules; unknown ids resolve to empty modules the
// way the lenient resolver does.
type fakeSource map[string]*types.TransformedModule

func (f fakeSource) Resolve(ctx context.Context, id string) (*types.TransformedModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m, ok := f[id]; ok {
		return m, nil
	}
	return &types.TransformedModule{ID: id, Code: resolve.Wrap("")}, nil
}

func mod(id string, deps, dynamic []string) *types.TransformedModule {
	return &types.TransformedModule{
		ID:          id,
		Code:        resolve.Wrap("/* " + id + " */"),
		Deps:        deps,
		DynamicDeps: dynamic,
	}
}

func TestBuild_CycleThroughDynamicImport(t *testing.T) {
	src := fakeSource{
		"main": mod("main", []string{"a"}, nil),
		"a":    mod("a", nil, []string{"b"}),
		"b":    mod("b", []string{"a"}, nil),
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Modules) != 3 {
		t.Fatalf("modules = %d, want 3", len(g.Modules))
	}
	a := g.Modules["a"]
	if a.IsDynamic {
		t.Error("a should be static")
	}
	if want := []string{EntryParent}; !slices.Equal(g.Modules["main"].Parents, want) {
		t.Errorf("main parents = %v, want %v", g.Modules["main"].Parents, want)
	}
	if want := []string{"main", "b"}; !slices.Equal(a.Parents, want) {
		t.Errorf("a parents = %v, want %v", a.Parents, want)
	}
	if !g.Modules["b"].IsDynamic {
		t.Error("b should be dynamic")
	}
}

func TestBuild_PromotesDynamicToStatic(t *testing.T) {
	// main -> a, main -> b; a ⇢ x; x -> z; b -> x
	src := fakeSource{
		"main": mod("main", []string{"a", "b"}, nil),
		"a":    mod("a", nil, []string{"x"}),
		"x":    mod("x", []string{"z"}, nil),
		"b":    mod("b", []string{"x"}, nil),
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, id := range []string{"main", "a", "b", "x", "z"} {
		if g.Modules[id].IsDynamic {
			t.Errorf("%s is dynamic, want static", id)
		}
	}
	if want := []string{"a", "b"}; !slices.Equal(g.Modules["x"].Parents, want) {
		t.Errorf("x parents = %v, want %v", g.Modules["x"].Parents, want)
	}
}

func TestBuild_DynamicSubtreeStaysDynamic(t *testing.T) {
	// main ⇢ d; d -> e; e -> d
	src := fakeSource{
		"main": mod("main", nil, []string{"d"}),
		"d":    mod("d", []string{"e"}, nil),
		"e":    mod("e", []string{"d"}, nil),
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, id := range []string{"d", "e"} {
		if !g.Modules[id].IsDynamic {
			t.Errorf("%s is static, want dynamic", id)
		}
	}
	if g.Modules["main"].IsDynamic {
		t.Error("entry must be static")
	}
}

func TestBuild_OrderIsFirstDiscovery(t *testing.T) {
	src := fakeSource{
		"main": mod("main", []string{"a", "b"}, []string{"c"}),
		"a":    mod("a", []string{"shared"}, nil),
		"b":    mod("b", []string{"shared"}, nil),
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, e := range g.Order {
		got = append(got, e.ID)
	}
	want := []string{"main", "a", "shared", "b", "c"}
	if !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewBuilder(fakeSource{}).Build(ctx, "main")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBuild_EmptyEntry(t *testing.T) {
	if _, err := NewBuilder(fakeSource{}).Build(t.Context(), ""); err == nil {
		t.Fatal("expected error for empty entry")
	}
}

func TestBuild_CollectsDiagnostics(t *testing.T) {
	tr := transform.Func(func(_ context.Context, id string) (*transform.Result, error) {
		if id == "/app/broken.ts" {
			return nil, &transform.Error{ID: id, Message: "Unexpected token"}
		}
		return &transform.Result{Code: "", Deps: []string{"/app/broken.ts"}}, nil
	})
	r, err := resolve.New(resolve.Options{Transformer: tr, Exists: func(string) bool { return true }})
	if err != nil {
		t.Fatalf("resolve.New: %v", err)
	}
	store := NewStore()
	g, err := NewBuilder(r, WithStore(store), WithBuildIDs(func() string { return "build-1" })).Build(t.Context(), "/app/main.ts")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.ID != "build-1" {
		t.Errorf("ID = %q, want build-1", g.ID)
	}
	if len(g.Diagnostics) != 1 || g.Diagnostics[0].ID != "/app/broken.ts" {
		t.Fatalf("diagnostics = %+v", g.Diagnostics)
	}
	broken := g.Modules["/app/broken.ts"]
	if !strings.Contains(broken.Code, "/* empty */") {
		t.Errorf("broken module code = %q, want empty module", broken.Code)
	}
	if _, ok := store.Graph("/app/main.ts"); !ok {
		t.Error("graph not recorded in store")
	}
}

func TestEmit(t *testing.T) {
	src := fakeSource{
		"main": mod("main", []string{"a"}, nil),
		"a":    mod("a", nil, []string{"b"}),
		"b":    mod("b", []string{"a"}, nil),
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bundle := Emit(g)
	code := bundle.Code

	for _, id := range []string{"main", "a", "b"} {
		ident := HashIdent(id)
		if !strings.Contains(code, "const "+ident+" = async function") {
			t.Errorf("missing chunk for %s", id)
		}
		if !strings.Contains(code, "  '"+id+"': "+ident+",\n") {
			t.Errorf("missing manifest entry for %s", id)
		}
		if !strings.Contains(code, "// Request: "+id+"\n") {
			t.Errorf("missing chunk header for %s", id)
		}
	}
	if !strings.Contains(code, "const __dynamicModules__ = new Set(['b'])") {
		t.Error("dynamic module set not emitted")
	}
	if !strings.Contains(code, loaderRuntime) {
		t.Error("loader runtime not embedded")
	}
	if !strings.HasSuffix(code, "export default await __ssrLoadModule__('main')\n") {
		t.Errorf("unexpected tail: %q", code[len(code)-80:])
	}
	if manifest := strings.Index(code, "const __modules__"); manifest < strings.LastIndex(code, "const $id_") {
		t.Error("manifest must follow every module chunk")
	}
	if !slices.Equal(bundle.IDs, []string{"main", "a", "b"}) {
		t.Errorf("IDs = %v", bundle.IDs)
	}

	if again := Emit(g); again.Code != code {
		t.Error("emission is not deterministic")
	}
}

func TestEmit_RunsCycleThroughDynamicImport(t *testing.T) {
	node, err := exec.LookPath("node")
	if err != nil {
		t.Skip("node not installed")
	}

	// a exposes a live binding that is assigned after its exports are
	// defined; b reads it back through the cycle.
	src := fakeSource{
		"main": {
			ID:   "main",
			Deps: []string{"a"},
			Code: resolve.Wrap(`const __a = await __vite_ssr_import__('a')
console.log(await __a.load())`),
		},
		"a": {
			ID:          "a",
			DynamicDeps: []string{"b"},
			Code:        resolve.Wrap(`Object.defineProperty(__vite_ssr_exports__, 'value', { enumerable: true, configurable: true, get () { return value } })
Object.defineProperty(__vite_ssr_exports__, 'load', { enumerable: true, configurable: true, get () { return load } })
let value = 0
async function load () {
  const __b = await __vite_ssr_dynamic_import__('b')
  return __b.default
}
value = 42`),
		},
		"b": {
			ID:   "b",
			Deps: []string{"a"},
			Code: resolve.Wrap(`const __a = await __vite_ssr_import__('a')
__vite_ssr_exports__.default = 'lazy ' + __a.value`),
		},
	}
	g, err := NewBuilder(src).Build(t.Context(), "main")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	path := filepath.Join(t.TempDir(), "bundle.mjs")
	if err := os.WriteFile(path, []byte(Emit(g).Code), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	out, err := exec.CommandContext(t.Context(), node, path).CombinedOutput()
	if err != nil {
		t.Fatalf("node: %v\n%s", err, out)
	}
	if got := strings.TrimSpace(string(out)); got != "lazy 42" {
		t.Errorf("output = %q, want %q", got, "lazy 42")
	}
}

func TestEmit_HeaderIsCommentSafe(t *testing.T) {
	id := "\x00virtual:x\nconst boom = 1"
	g, err := NewBuilder(fakeSource{}).Build(t.Context(), id)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	code := Emit(g).Code
	if strings.Contains(code, "\nconst boom") {
		t.Error("newline in id escaped the chunk header comment")
	}
	if !strings.Contains(code, `'\x00virtual:x\nconst boom = 1'`) {
		t.Error("manifest key not quoted")
	}
}

func TestIdents(t *testing.T) {
	idents := NewIdents()
	a := idents.Assign("a")
	if a != HashIdent("a") {
		t.Errorf("Assign(a) = %q, want %q", a, HashIdent("a"))
	}
	if again := idents.Assign("a"); again != a {
		t.Errorf("second Assign(a) = %q, want %q", again, a)
	}
	if !strings.HasPrefix(a, "$id_") {
		t.Errorf("ident %q lacks prefix", a)
	}

	// Force a collision by claiming b's hash for another id.
	idents.taken[HashIdent("b")] = "other"
	if got, want := idents.Assign("b"), HashIdent("b")+"_1"; got != want {
		t.Errorf("Assign(b) after collision = %q, want %q", got, want)
	}
	if got, ok := idents.Lookup("b"); !ok || got != HashIdent("b")+"_1" {
		t.Errorf("Lookup(b) = %q, %v", got, ok)
	}
	if _, ok := idents.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
}

func TestStore(t *testing.T) {
	const css = "/app/a.vue?vue&type=style&lang.css"
	src := fakeSource{
		"/app/main.ts":            mod("/app/main.ts", []string{"/app/a.vue", "\x00virtual:kiln/routes"}, nil),
		"/app/a.vue":              mod("/app/a.vue", []string{css}, nil),
		"\x00virtual:kiln/routes": mod("\x00virtual:kiln/routes", []string{"/app/a.vue"}, nil),
		css:                       mod(css, nil, nil),
	}
	store := NewStore()
	if _, err := NewBuilder(src, WithStore(store)).Build(t.Context(), "/app/main.ts"); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got, want := store.Importers("/app/a.vue"), []string{"/app/main.ts", "\x00virtual:kiln/routes"}; !slices.Equal(got, want) {
		t.Errorf("Importers(a.vue) = %q, want %q", got, want)
	}
	if got, want := store.ModulesByFile("/app/a.vue"), []string{"/app/a.vue", css}; !slices.Equal(got, want) {
		t.Errorf("ModulesByFile = %q, want %q", got, want)
	}
	if got, want := store.ModulesByFile("virtual:kiln/routes"), []string{"\x00virtual:kiln/routes"}; !slices.Equal(got, want) {
		t.Errorf("ModulesByFile(virtual) = %q, want %q", got, want)
	}
	if n := len(store.IDs()); n != 4 {
		t.Errorf("IDs = %d, want 4", n)
	}

	// Re-observing a module replaces its edges.
	store.Observe("/app/main.ts", mod("/app/main.ts", []string{"/app/b.ts"}, nil))
	if got, want := store.Importers("/app/a.vue"), []string{"\x00virtual:kiln/routes"}; !slices.Equal(got, want) {
		t.Errorf("Importers after Observe = %q, want %q", got, want)
	}
	if got, want := store.Importers("/app/b.ts"), []string{"/app/main.ts"}; !slices.Equal(got, want) {
		t.Errorf("Importers(b.ts) = %q, want %q", got, want)
	}
	store.Observe("ignored", nil)
}

func TestStore_RootRelativeIDs(t *testing.T) {
	files := map[string]bool{"/app/src/main.ts": true, "/app/src/a.ts": true}
	r, err := resolve.New(resolve.Options{
		Root:        "/app",
		Transformer: transform.Func(func(context.Context, string) (*transform.Result, error) { return &transform.Result{}, nil }),
		Exists:      func(p string) bool { return files[p] },
	})
	if err != nil {
		t.Fatalf("resolve.New: %v", err)
	}

	tests := []struct {
		name string
		opts []StoreOption
		want []string
	}{
		{name: "resolver root", opts: []StoreOption{WithFileOf(r.FileOf)}, want: []string{"/src/a.ts"}},
		{name: "no root", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(tt.opts...)
			store.Observe("/src/main.ts", mod("/src/main.ts", []string{"/src/a.ts"}, nil))
			got := store.ModulesByFile("/app/src/a.ts")
			if len(got) == 0 {
				got = nil
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("ModulesByFile(/app/src/a.ts) = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRuntimeChecksum(t *testing.T) {
	if RuntimeSize() == 0 {
		t.Fatal("embedded runtime is empty")
	}
	if len(RuntimeChecksum()) != 64 {
		t.Errorf("checksum length = %d, want 64", len(RuntimeChecksum()))
	}
	if !strings.Contains(loaderRuntime, "function __ssrLoadModule__") {
		t.Error("runtime lacks __ssrLoadModule__")
	}
}
