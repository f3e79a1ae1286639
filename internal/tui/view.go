package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procharness/internal/metrics"
	"github.com/randomizedcoder/go-procharness/internal/stats"
)

// Column widths of the process table.
const (
	colName   = 14
	colPid    = 8
	colState  = 10
	colLines  = 9
	colUptime = 10
)

func (m Model) render() string {
	sections := []string{
		m.renderHeader(),
		m.renderProcesses(),
	}
	if m.showWaits && len(m.waitRows) > 0 {
		sections = append(sections, m.renderWaits())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" procharness │ run %s │ Running: %d/%d │ Elapsed: %s ",
		shortID(m.runID),
		m.Running(),
		len(m.rows),
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

// =============================================================================
// Process Table
// =============================================================================

func (m Model) renderProcesses() string {
	lines := []string{
		sectionHeaderStyle.Render("Processes"),
		tableHeaderStyle.Render(fmt.Sprintf("%-*s%*s  %-*s%*s%*s  %s",
			colName, "NAME", colPid, "PID", colState, "STATE", colLines, "LINES", colUptime, "UPTIME", "LAST LINE")),
	}

	if len(m.rows) == 0 {
		lines = append(lines, dimStyle.Render("no processes"))
	}

	lastWidth := m.width - (colName + colPid + colState + colLines + colUptime + 10)
	if lastWidth < 10 {
		lastWidth = 10
	}

	for _, r := range m.rows {
		state := r.State.String()
		if r.Exited {
			state = metrics.ExitCodeLabel(r.ExitCode)
		}
		stateCell := StateStyle(r.State)
		if r.Exited {
			stateCell = ExitStyle(r.ExitCode)
		}

		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
			fmt.Sprintf("%-*s%*d  ", colName, truncate(r.Name, colName-1), colPid, r.Pid),
			stateCell.Width(colState).Render(state),
			fmt.Sprintf("%*s%*s  ", colLines, stats.FormatNumber(int64(r.Lines)), colUptime, stats.FormatDuration(r.Uptime)),
			mutedStyle.Render(truncate(r.LastLine, lastWidth)),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Waits
// =============================================================================

func (m Model) renderWaits() string {
	lines := []string{
		sectionHeaderStyle.Render("Output Waits"),
		tableHeaderStyle.Render(fmt.Sprintf("%-*s%8s%10s%10s%10s%10s", colName, "NAME", "WAITS", "MATCHED", "P50", "P95", "MAX")),
	}
	for _, w := range m.waitRows {
		matchedStyle := valueGoodStyle
		if w.Matched < w.Count {
			matchedStyle = valueWarnStyle
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
			fmt.Sprintf("%-*s%8d", colName, truncate(w.Name, colName-1), w.Count),
			matchedStyle.Width(10).Align(lipgloss.Right).Render(fmt.Sprintf("%d", w.Matched)),
			fmt.Sprintf("%10s%10s%10s", stats.FormatMs(w.P50), stats.FormatMs(w.P95), stats.FormatMs(w.Max)),
		))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{"q: quit", "w: toggle waits", "r: refresh"}
	left := dimStyle.Render(strings.Join(shortcuts, " │ "))

	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}
	return footerStyle.Render(left + strings.Repeat(" ", padding) + right)
}

// =============================================================================
// Formatting Helpers
// =============================================================================

// truncate shortens s to at most n runes, marking the cut with "…".
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
