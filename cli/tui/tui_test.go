package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/kiln/cli/reader"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{ViewGraph, true},
		{ViewStats, true},
		{"manifest", false},
		{"invalidates", false},
		{"bundle", false},
		{"version", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("manifest", nil); err == nil {
		t.Error("expected error for unsupported view type")
	}
}

func testView() *reader.GraphView {
	return &reader.GraphView{
		BuildID: "b-1",
		Entry:   "/app/main.ts",
		Modules: []reader.ModuleRow{
			{ID: "/app/main.ts", Kind: reader.KindStatic, Deps: []string{"/app/a.ts", "vue"}},
			{ID: "/app/a.ts", Kind: reader.KindStatic, DynamicDeps: []string{"/app/lazy.ts"}, Parents: []string{"/app/main.ts"}},
			{ID: "vue", Kind: reader.KindExternal, Parents: []string{"/app/main.ts"}},
			{ID: "/app/lazy.ts", Kind: reader.KindDynamic, Parents: []string{"/app/a.ts"}},
		},
		Failures: []reader.FailureRow{{ModuleID: "/app/lazy.ts", Plugin: "vue", Message: "Unexpected token"}},
	}
}

func press(m tea.Model, keys ...tea.KeyMsg) tea.Model {
	for _, k := range keys {
		m, _ = m.Update(k)
	}
	return m
}

var (
	down = tea.KeyMsg{Type: tea.KeyDown}
	up   = tea.KeyMsg{Type: tea.KeyUp}
	end  = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'G'}}
	top  = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'g'}}
	quit = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}
)

func TestGraphModel_Navigation(t *testing.T) {
	tests := []struct {
		name string
		keys []tea.KeyMsg
		want string
	}{
		{"initial", nil, "/app/main.ts"},
		{"down", []tea.KeyMsg{down}, "/app/a.ts"},
		{"up clamps", []tea.KeyMsg{up, up}, "/app/main.ts"},
		{"end", []tea.KeyMsg{end}, "/app/lazy.ts"},
		{"down clamps", []tea.KeyMsg{end, down, down}, "/app/lazy.ts"},
		{"top", []tea.KeyMsg{end, top}, "/app/main.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := press(NewGraphModel(testView()), tt.keys...).(GraphModel)
			sel, ok := m.Selected()
			if !ok || sel.ID != tt.want {
				t.Errorf("selected = %q, want %q", sel.ID, tt.want)
			}
		})
	}
}

func TestGraphModel_ScrollsWithCursor(t *testing.T) {
	view := &reader.GraphView{Entry: "/app/main.ts"}
	for i := range 40 {
		view.Modules = append(view.Modules, reader.ModuleRow{ID: "/app/m" + string(rune('a'+i%26)) + ".ts", Kind: reader.KindStatic})
	}

	var m tea.Model = NewGraphModel(view)
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: chrome + 5})
	m = press(m, end)

	gm := m.(GraphModel)
	if gm.list.YOffset != 35 {
		t.Errorf("YOffset = %d, want 35", gm.list.YOffset)
	}
	gm = press(gm, top).(GraphModel)
	if gm.list.YOffset != 0 {
		t.Errorf("YOffset after top = %d, want 0", gm.list.YOffset)
	}
}

func TestGraphModel_View(t *testing.T) {
	m := press(NewGraphModel(testView()), end)
	out := m.View()
	for _, want := range []string{"/app/main.ts", "4 modules", "1 failed", "[plugin:vue] Unexpected token", "Importers"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
}

func TestGraphModel_Quit(t *testing.T) {
	m, cmd := NewGraphModel(testView()).Update(quit)
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if m.View() != "" {
		t.Error("view should be empty after quit")
	}
}

func TestGraphModel_InvalidData(t *testing.T) {
	if out := RenderGraphStatic("not a graph"); !strings.Contains(out, "Invalid data type") {
		t.Errorf("view = %q", out)
	}
	if out := RenderGraphStatic(&reader.GraphView{}); !strings.Contains(out, "(no modules)") {
		t.Errorf("empty view = %q", out)
	}
}

func TestStatsModel_View(t *testing.T) {
	view := &reader.StatsView{
		ServerID:       "srv-1",
		Codec:          "json",
		GraphBuilds:    3,
		RequestsByType: map[string]int64{"module": 12},
	}
	out := RenderStatsStatic(view)
	for _, want := range []string{"srv-1", "codec json", "journal -", "Graphs", "Requests", "module"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
	if out := RenderStatsStatic(nil); !strings.Contains(out, "Invalid data type") {
		t.Errorf("nil view = %q", out)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		ids  []string
		want string
	}{
		{nil, "-"},
		{[]string{"a"}, "a"},
		{[]string{"a", "b", "c"}, "a, b, c"},
		{[]string{"a", "b", "c", "d", "e"}, "a, b, c, +2 more"},
	}
	for _, tt := range tests {
		if got := summarize(tt.ids); got != tt.want {
			t.Errorf("summarize(%v) = %q, want %q", tt.ids, got, tt.want)
		}
	}
}
