// Package tui provides a live terminal dashboard for a harness run.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It shows every supervised process with its state, captured output and the
// most recent line, plus per-process wait statistics.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procharness/internal/process"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red

	colorText      = lipgloss.Color("#E5E7EB")
	colorTextMuted = lipgloss.Color("#9CA3AF")
	colorTextDim   = lipgloss.Color("#6B7280")
	colorBorder    = lipgloss.Color("#374151")
)

// =============================================================================
// Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true)
)

// StateStyle returns the style used to render a process state.
func StateStyle(s process.State) lipgloss.Style {
	switch s {
	case process.StateRunning:
		return valueGoodStyle
	case process.StateStarting, process.StateCreated:
		return valueWarnStyle
	case process.StateExited:
		return valueBadStyle
	default:
		return mutedStyle
	}
}

// ExitStyle colors an exit code: zero is good, anything else is bad.
func ExitStyle(code int) lipgloss.Style {
	if code == 0 {
		return valueGoodStyle
	}
	return valueBadStyle
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}
