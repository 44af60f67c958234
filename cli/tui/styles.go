// Package tui implements the interactive viewers behind --tui.
//
// Viewers are read-only and render the same payloads as the json, yaml and
// table formats.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	accentColor   = lipgloss.Color("#D97706")
	staticColor   = lipgloss.Color("#10B981")
	dynamicColor  = lipgloss.Color("#3B82F6")
	externalColor = lipgloss.Color("#6B7280")
	errorColor    = lipgloss.Color("#EF4444")
	mutedColor    = lipgloss.Color("#9CA3AF")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	ValueStyle = lipgloss.NewStyle()

	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	SelectedStyle = lipgloss.NewStyle().
			Bold(true).
			Reverse(true)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1).
			Width(26)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)
)

// KindStyle colors a module kind.
func KindStyle(kind string) lipgloss.Style {
	switch kind {
	case "static":
		return lipgloss.NewStyle().Foreground(staticColor)
	case "dynamic":
		return lipgloss.NewStyle().Foreground(dynamicColor)
	case "external":
		return lipgloss.NewStyle().Foreground(externalColor)
	default:
		return ValueStyle
	}
}
