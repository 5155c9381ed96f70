package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/platformd/internal/events"
)

const pollInterval = 5 * time.Second

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health    HealthState
	instances map[string]*InstanceRow
	eventLog  []events.Event
	lastID    int64

	ticker   Ticker
	activity Activity
	table    table.Model
	theme    Theme
	now      func() time.Time

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		client:    NewClient(apiURL, apiKey),
		instances: make(map[string]*InstanceRow),
		eventLog:  make([]events.Event, 0, eventLogSize),
		hubEvents: make(chan events.Event, 100),
		table:     newInstanceTable(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		poll(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, poll(m.client)
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(instanceColumns(msg.Width))

	case tickMsg:
		m.ticker.Tick()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID = max(m.lastID, e.ID)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.activity.OnEvent(m.now())
		applyEvent(m.instances, e)
		m.refreshTable()

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case pollMsg:
		m.health.Status = msg.health.Status
		m.health.UptimeSeconds = msg.health.UptimeSeconds
		m.health.Instances = msg.health.Instances
		m.health.Sessions = msg.health.Sessions
		m.health.PlatformsLoaded = msg.health.PlatformsLoaded
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		mergeInstances(m.instances, msg.instances)
		m.refreshTable()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return repollMsg{} })

	case repollMsg:
		return m, poll(m.client)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return repollMsg{} })
	}

	return m, nil
}

func (m *Model) refreshTable() {
	m.table.SetRows(tableRows(sortedRows(m.instances)))
}

func (m Model) selectedLine() string {
	row := m.table.SelectedRow()
	if row == nil {
		return ""
	}
	inst, ok := m.instances[row[0]]
	if !ok {
		return ""
	}
	return fmt.Sprintf(" %s  pid %d  %s", inst.ID, inst.PID, m.theme.State(inst.State).Render(inst.State))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to platformd..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.ticker, m.activity, m.theme, m.width, now),
		renderInstances(m.table, len(m.instances), m.theme, m.width),
	}
	if line := m.selectedLine(); line != "" {
		parts = append(parts, line)
	}
	parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width, max(3, m.height-24)))
	if m.lastError != "" {
		parts = append(parts, m.theme.Bad.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select instance • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
