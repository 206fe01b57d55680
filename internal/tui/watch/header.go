package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks agent health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Running       int
	ModulesLoaded int
	Ready         bool
	Connected     bool
	LastCheck     time.Time
}

// Spinner lights up on events and fades over ten seconds.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = 5
	s.lastEvent = now
}

func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	remaining := 5 - int(now.Sub(s.lastEvent)/(2*time.Second))
	s.dots = max(remaining, 0)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < s.dots {
			b.WriteString(theme.DotActive.Render("●"))
		} else {
			b.WriteString(theme.DotInactive.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(health HealthState, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusCompleted.Render("READY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case !health.Ready:
		statusText = theme.StatusRunning.Render("RECONCILING")
	}

	lastEvent := "never"
	if !spinner.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(spinner.lastEvent).Round(time.Second))
	}

	title := " TETHER WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  Running: %d  Modules: %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Running,
		health.ModulesLoaded,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, spinner.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
