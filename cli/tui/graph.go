package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kiln/cli/reader"
)

// chrome is the number of rows taken by everything but the module list.
const chrome = 16

// GraphModel browses the modules of one graph.
type GraphModel struct {
	view     *reader.GraphView
	cursor   int
	list     viewport.Model
	help     help.Model
	quitting bool
}

// NewGraphModel creates a viewer for a *reader.GraphView.
func NewGraphModel(data any) GraphModel {
	v, _ := data.(*reader.GraphView)
	m := GraphModel{
		view: v,
		list: viewport.New(80, 10),
		help: help.New(),
	}
	m.refresh()
	return m
}

// Selected returns the module under the cursor.
func (m GraphModel) Selected() (reader.ModuleRow, bool) {
	if m.view == nil || len(m.view.Modules) == 0 {
		return reader.ModuleRow{}, false
	}
	return m.view.Modules[m.cursor], true
}

// Init implements tea.Model.
func (m GraphModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m GraphModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.Width = msg.Width
		m.list.Height = max(3, msg.Height-chrome)
		m.help.Width = msg.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			m.cursor--
		case key.Matches(msg, keys.Down):
			m.cursor++
		case key.Matches(msg, keys.Top):
			m.cursor = 0
		case key.Matches(msg, keys.End):
			m.cursor = m.count() - 1
		}
	}
	m.cursor = max(0, min(m.cursor, m.count()-1))
	m.refresh()
	return m, nil
}

func (m GraphModel) count() int {
	if m.view == nil {
		return 0
	}
	return len(m.view.Modules)
}

// refresh redraws the list and keeps the cursor row visible.
func (m *GraphModel) refresh() {
	if m.view == nil {
		return
	}
	lines := make([]string, len(m.view.Modules))
	for i, mod := range m.view.Modules {
		marker := " "
		if _, failed := m.view.Failure(mod.ID); failed {
			marker = ErrorStyle.Render("!")
		}
		kind := KindStyle(mod.Kind).Render(fmt.Sprintf("%-8s", mod.Kind))
		line := fmt.Sprintf("%s %s %s", marker, kind, mod.ID)
		if i == m.cursor {
			line = SelectedStyle.Render(fmt.Sprintf("> %-8s %s", mod.Kind, mod.ID))
		}
		lines[i] = line
	}
	m.list.SetContent(strings.Join(lines, "\n"))

	switch {
	case m.cursor < m.list.YOffset:
		m.list.SetYOffset(m.cursor)
	case m.cursor >= m.list.YOffset+m.list.Height:
		m.list.SetYOffset(m.cursor - m.list.Height + 1)
	}
}

// View implements tea.Model.
func (m GraphModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil {
		return "Invalid data type for graph view"
	}

	header := TitleStyle.Render("Graph "+m.view.Entry) + "\n" +
		HelpStyle.UnsetMarginTop().Render(fmt.Sprintf("%d modules: %d static, %d dynamic, %d external, %d failed  (%dms)",
			len(m.view.Modules),
			m.view.Count(reader.KindStatic),
			m.view.Count(reader.KindDynamic),
			m.view.Count(reader.KindExternal),
			len(m.view.Failures),
			m.view.DurationMs))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		BoxStyle.Render(m.list.View()),
		m.detail(),
		HelpStyle.Render(m.help.View(keys)),
	)
}

func (m GraphModel) detail() string {
	mod, ok := m.Selected()
	if !ok {
		return BoxStyle.Render("(no modules)")
	}

	var b strings.Builder
	field := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(label), value)
	}
	field("Module", ValueStyle.Render(mod.ID))
	field("Kind", KindStyle(mod.Kind).Render(mod.Kind))
	field("Bytes", fmt.Sprint(mod.Bytes))
	field("Imports", summarize(mod.Deps))
	field("Dynamic", summarize(mod.DynamicDeps))
	field("Importers", summarize(mod.Parents))
	if f, failed := m.view.Failure(mod.ID); failed {
		msg := f.Message
		if f.Plugin != "" {
			msg = "[plugin:" + f.Plugin + "] " + msg
		}
		field("Error", ErrorStyle.Render(msg))
	}
	return BoxStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}

// summarize shortens long id lists to one line.
func summarize(ids []string) string {
	const shown = 3
	if len(ids) == 0 {
		return "-"
	}
	if len(ids) <= shown {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s, +%d more", strings.Join(ids[:shown], ", "), len(ids)-shown)
}

// RenderGraphStatic renders the viewer once without a terminal program.
func RenderGraphStatic(data any) string {
	return NewGraphModel(data).View()
}
