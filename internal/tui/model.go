package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-procharness/internal/process"
	"github.com/randomizedcoder/go-procharness/internal/stats"
)

// refreshInterval is how often the dashboard polls its sources.
const refreshInterval = 500 * time.Millisecond

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries a fresh view of the processes and waits.
type SnapshotMsg struct {
	Rows  []ProcessRow
	Waits []stats.WaitSummary
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// ProcessSource lists the supervised processes.
type ProcessSource interface {
	Handles() []*process.Handle
}

// WaitSource provides per-process wait statistics.
type WaitSource interface {
	Snapshot() []stats.WaitSummary
}

// ProcessRow is one line of the process table.
type ProcessRow struct {
	Name     string
	Pid      int
	State    process.State
	ExitCode int
	Exited   bool
	Lines    int
	Bytes    int64
	LastLine string
	Uptime   time.Duration
}

// RowsFromHandles snapshots handles into table rows. Line counts cover
// stderr plus stdout when it is captured.
func RowsFromHandles(handles []*process.Handle) []ProcessRow {
	rows := make([]ProcessRow, 0, len(handles))
	for _, h := range handles {
		row := ProcessRow{
			Name:   h.Name(),
			Pid:    h.Pid(),
			State:  h.State(),
			Uptime: h.Uptime(),
		}
		row.ExitCode, row.Exited = h.ExitCode()

		errStats := h.Stderr().Stats()
		row.Lines = errStats.Lines
		row.Bytes = errStats.Bytes
		if line, ok := h.Stderr().LastLine(); ok {
			row.LastLine = line
		}
		if out := h.Stdout(); out != nil {
			outStats := out.Stats()
			row.Lines += outStats.Lines
			row.Bytes += outStats.Bytes
		}
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	runID       string
	metricsAddr string

	processes ProcessSource
	waits     WaitSource

	rows      []ProcessRow
	waitRows  []stats.WaitSummary
	showWaits bool

	startTime  time.Time
	lastUpdate time.Time

	width  int
	height int

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	RunID       string
	MetricsAddr string
	Processes   ProcessSource
	Waits       WaitSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		runID:       cfg.RunID,
		metricsAddr: cfg.MetricsAddr,
		processes:   cfg.Processes,
		waits:       cfg.Waits,
		showWaits:   true,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       100,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "w":
			m.showWaits = !m.showWaits
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case SnapshotMsg:
		m.rows = msg.Rows
		m.waitRows = msg.Waits
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) refresh() {
	if m.processes != nil {
		m.rows = RowsFromHandles(m.processes.Handles())
	}
	if m.waits != nil {
		m.waitRows = m.waits.Snapshot()
	}
	m.lastUpdate = time.Now()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.render()
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard opened.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// Running returns how many processes are starting or running.
func (m Model) Running() int {
	n := 0
	for _, r := range m.rows {
		if r.State.IsActive() {
			n++
		}
	}
	return n
}

// Rows returns the current process rows.
func (m Model) Rows() []ProcessRow {
	return m.rows
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
