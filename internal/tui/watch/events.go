package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
	"github.com/mattjoyce/tether/internal/txstore"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	body := theme.Dim.Render("  Waiting for events...")
	if len(eventLog) > 0 {
		lines := make([]string, 0, 8)
		for i, e := range eventLog {
			if i >= 8 {
				break
			}
			lines = append(lines, formatEvent(e, theme))
		}
		body = lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	}

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("EVENTS"), body),
	)
}

func formatEvent(e events.Event, theme Theme) string {
	var payload events.Transaction
	_ = json.Unmarshal(e.Data, &payload)

	style := theme.Dim
	switch e.Type {
	case events.TypeResolved:
		style = theme.ForStatus(txstore.Status(payload.Status))
	case events.TypeLost:
		style = theme.StatusUnknown
	case events.TypeStarted, events.TypeReattached:
		style = theme.StatusRunning
	}

	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-24s", e.Type)), describe(payload, e.Data))
}

func describe(p events.Transaction, raw json.RawMessage) string {
	if p.TransactionID == "" {
		s := string(raw)
		if len(s) > 60 {
			s = s[:60] + "..."
		}
		return s
	}
	parts := []string{fmt.Sprintf("[%s]", shortID(p.TransactionID))}
	if p.Module != "" {
		parts = append(parts, p.Module+"/"+p.Action)
	}
	if p.Status != "" {
		parts = append(parts, p.Status)
	}
	if p.Error != "" {
		parts = append(parts, p.Error)
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
