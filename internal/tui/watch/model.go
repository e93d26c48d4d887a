package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jmswain/foreman/internal/worker"
)

const (
	pollInterval   = 2 * time.Second
	healthInterval = 5 * time.Second
	maxEventLog    = 50
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *client

	width  int
	height int

	health    healthMsg
	connected bool
	workers   []worker.Descriptor
	eventLog  []eventRecord
	lastSeq   int64

	workerTable table.Model
	theme       Theme

	lastError string
}

// New creates a new watch TUI model pointed at a foreman admin API.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Job", Width: 16},
			{Title: "Port", Width: 6},
			{Title: "State", Width: 9},
			{Title: "PID", Width: 7},
			{Title: "Mem", Width: 9},
			{Title: "Age", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
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

	return &Model{
		client:      newClient(apiURL, apiKey),
		workerTable: t,
		theme:       NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return m.client.fetchHealth() },
		func() tea.Msg { return m.client.fetchWorkers() },
		m.client.fetchEvents(0),
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		m.workerTable, cmd = m.workerTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			func() tea.Msg { return m.client.fetchWorkers() },
			m.client.fetchEvents(m.lastSeq),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case workersMsg:
		m.workers = msg
		m.workerTable.SetRows(workerRows(msg))
		m.connected = true
		m.lastError = ""

	case eventsMsg:
		for _, rec := range msg {
			if rec.Seq > m.lastSeq {
				m.lastSeq = rec.Seq
			}
			m.eventLog = append([]eventRecord{rec}, m.eventLog...)
		}
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

	case healthMsg:
		m.health = msg
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(t time.Time) tea.Msg {
			return m.client.fetchHealth()
		})

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(t time.Time) tea.Msg {
			return m.client.fetchHealth()
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing foreman watch..."
	}

	header := m.renderHeader()
	workers := m.theme.Border.Width(m.width - 6).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Workers"),
			m.workerTable.View(),
		),
	)
	eventLog := m.renderEventLog()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StateError.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Select Worker")

	parts := []string{header, workers, eventLog}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	status := m.theme.StateError.Render("● disconnected")
	if m.connected {
		status = m.theme.StateRunning.Render("● connected")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	line := fmt.Sprintf("%s  %s  workers: %d  uptime: %s",
		m.theme.Title.Render("foreman watch"),
		status,
		len(m.workers),
		uptime,
	)
	return m.theme.Border.Width(m.width - 6).Render(line)
}
