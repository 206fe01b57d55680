// Package watch implements the tether system watch TUI: a live table of
// transactions fed by the agent's HTTP API.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/txstore"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusCompleted lipgloss.Style
	StatusRunning   lipgloss.Style
	StatusFailed    lipgloss.Style
	StatusUnknown   lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	DotActive   lipgloss.Style
	DotInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusUnknown:   lipgloss.NewStyle().Foreground(lipgloss.Color("#C678DD")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		DotActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		DotInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForStatus returns the style used for a transaction status.
func (t Theme) ForStatus(s txstore.Status) lipgloss.Style {
	switch s {
	case txstore.StatusCompleted:
		return t.StatusCompleted
	case txstore.StatusRunning:
		return t.StatusRunning
	case txstore.StatusFailed:
		return t.StatusFailed
	default:
		return t.StatusUnknown
	}
}
