package tui

import (
	"fmt"
	"slices"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// View types with an interactive viewer.
const (
	ViewGraph = "graph"
	ViewStats = "stats"
)

// Run opens the viewer for viewType until the user quits.
func Run(viewType string, data any) error {
	var model tea.Model
	switch viewType {
	case ViewGraph:
		model = NewGraphModel(data)
	case ViewStats:
		model = NewStatsModel(data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// IsTUISupported reports whether viewType has a viewer.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews lists the view types with a viewer.
func SupportedTUIViews() []string {
	return []string{ViewGraph, ViewStats}
}

type keyMap struct {
	Up   key.Binding
	Down key.Binding
	Top  key.Binding
	End  key.Binding
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Top, k.End, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Top: key.NewBinding(
		key.WithKeys("home", "g"),
		key.WithHelp("g", "top"),
	),
	End: key.NewBinding(
		key.WithKeys("end", "G"),
		key.WithHelp("G", "bottom"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
