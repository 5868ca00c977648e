package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hydra/internal/api"
	"github.com/mattjoyce/hydra/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 2 * time.Second
	retryDelay   = 5 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	health   HealthState
	workers  []api.WorkerResponse
	eventLog []events.Event

	ticker     Ticker
	activity   Activity
	connecting spinner.Model
	table      table.Model
	theme      Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the status API at apiURL.
func New(apiURL string) *Model {
	return &Model{
		apiURL:     apiURL,
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		ticker:     NewTicker(),
		connecting: spinner.New(spinner.WithSpinner(spinner.Dot)),
		table:      newWorkerTable(),
		theme:      NewDefaultTheme(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchWorkers(m.apiURL) },
		m.connecting.Tick,
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		if m.health.Connected {
			return m, nil
		}
		var cmd tea.Cmd
		m.connecting, cmd = m.connecting.Update(msg)
		return m, cmd

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)

		// newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.activity.OnEvent(time.Now())
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if e.Type == events.WorkerSpawned || e.Type == events.WorkerExited {
			cmds = append(cmds, func() tea.Msg { return fetchWorkers(m.apiURL) })
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.FleetID = msg.FleetID
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.WorkersLive = msg.WorkersLive
		m.health.WorkersTotal = msg.WorkersTotal
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case workersMsg:
		m.workers = msg.Workers
		m.table.SetRows(workerRows(m.workers))
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchWorkers(m.apiURL) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Batch(
			tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} }),
			m.connecting.Tick,
		)

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing hydra watch..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.connecting.View(), m.theme, m.width),
		renderWorkers(m.table, m.workers, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
