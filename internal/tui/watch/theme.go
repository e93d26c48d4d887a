// Package watch implements the live worker monitor TUI for foreman.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StateStarting lipgloss.Style
	StateRunning  lipgloss.Style
	StateStopping lipgloss.Style
	StateError    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateStopping: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateError:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}
