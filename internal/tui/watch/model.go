package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/api"
	"github.com/mattjoyce/tether/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 2 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client client

	width  int
	height int

	health       HealthState
	transactions []api.TransactionSummary
	eventLog     []events.Event
	spinner      Spinner
	table        table.Model
	theme        Theme
	now          func() time.Time

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the agent API at apiURL.
func New(apiURL, apiKey string) Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client:    newClient(apiURL, apiKey),
		table:     t,
		theme:     NewDefaultTheme(),
		now:       time.Now,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribeToEvents(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchTransactions,
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.client.fetchTransactions
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(columns(m.width - 6))
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(m.height-20, 5))
		return m, nil

	case tickMsg:
		m.spinner.Decay(m.now())
		return m, tea.Batch(m.client.fetchHealth, m.client.fetchTransactions, tick())

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.spinner.OnEvent(m.now())
		m.health.Connected = true
		m.lastError = ""
		// Any lifecycle event may change a row; refresh rather than patch.
		return m, tea.Batch(receiveNextEvent(m.hubEvents), m.client.fetchTransactions)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Running = msg.Running
		m.health.ModulesLoaded = msg.ModulesLoaded
		m.health.Ready = msg.Ready
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, nil

	case transactionsMsg:
		m.transactions = newestFirst(msg)
		m.table.SetRows(rows(m.transactions, m.now()))
		return m, nil

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribeToEvents(m.hubEvents)

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to tether..."
	}

	now := m.now()
	parts := []string{
		renderHeader(m.health, m.spinner, m.theme, m.width, now),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render(fmt.Sprintf("TRANSACTIONS (%d)", len(m.transactions))),
				m.table.View(),
			),
		),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
