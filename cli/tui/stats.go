package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kiln/cli/reader"
)

// StatsModel shows a counter snapshot as a grid of boxes.
type StatsModel struct {
	view     *reader.StatsView
	width    int
	quitting bool
}

// NewStatsModel creates a viewer for a *reader.StatsView.
func NewStatsModel(data any) StatsModel {
	v, _ := data.(*reader.StatsView)
	return StatsModel{view: v, width: 80}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	if m.view == nil {
		return "Invalid data type for stats view"
	}

	title := TitleStyle.Render("kiln " + m.view.ServerID)
	dims := HelpStyle.UnsetMarginTop().Render(fmt.Sprintf("codec %s · transform %s · journal %s",
		orDash(m.view.Codec), orDash(m.view.TransformBackend), orDash(m.view.JournalBackend)))

	perRow := max(1, m.width/(StatBoxStyle.GetWidth()+2))
	var rows, row []string
	for _, g := range m.view.Groups() {
		row = append(row, statBox(g))
		if len(row) == perRow {
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, row...))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		dims,
		strings.Join(rows, "\n"),
		HelpStyle.Render("q quit"),
	)
}

func statBox(g reader.StatGroup) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(g.Title))
	for _, s := range g.Stats {
		fmt.Fprintf(&b, "\n%s %d", LabelStyle.Width(16).Render(s.Label), s.Value)
	}
	return StatBoxStyle.Render(b.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RenderStatsStatic renders the viewer once without a terminal program.
func RenderStatsStatic(data any) string {
	return NewStatsModel(data).View()
}
