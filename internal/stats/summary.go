package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-procharness/internal/metrics"
)

const rule = "═══════════════════════════════════════════════════════════════════════════════\n"
const thinRule = "───────────────────────────────────────────────────────────────────────────────\n"

var titleStyle = lipgloss.NewStyle().Bold(true)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// RunID identifies the run in logs and metrics.
	RunID string

	// MetricsAddr is the Prometheus metrics endpoint address, if served.
	MetricsAddr string

	// RecentLines are the last captured lines, shown when the run failed.
	RecentLines []string

	// Failed marks the run as unsuccessful.
	Failed bool
}

// FormatExitSummary formats the run totals for display at program exit.
// Either input may be nil.
func FormatExitSummary(sum *metrics.Summary, waits *WaitStats, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString("                         " + titleStyle.Render("procharness Exit Summary") + "\n")
	b.WriteString(rule + "\n")

	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	result := "ok"
	if cfg.Failed {
		result = "FAILED"
	}
	fmt.Fprintf(&b, "Result:                 %s\n", result)

	if sum != nil {
		fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(sum.Duration))
		fmt.Fprintf(&b, "Processes Started:      %d\n", sum.Starts)
		fmt.Fprintf(&b, "Peak Active:            %d\n\n", sum.PeakActive)
		b.WriteString(formatExitCodes(sum.ExitCodes))
		b.WriteString(formatCounts("Output Lines", sum.Lines))
		b.WriteString(formatCounts("Commands", sum.Commands))
	} else {
		b.WriteString("\n")
	}

	if waits != nil {
		b.WriteString(formatWaits(waits))
	}

	if cfg.Failed && len(cfg.RecentLines) > 0 {
		b.WriteString(thinRule)
		b.WriteString("                              Last Output\n")
		b.WriteString(thinRule + "\n")
		for _, l := range cfg.RecentLines {
			fmt.Fprintf(&b, "  %s\n", l)
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString(rule)

	return b.String()
}

func formatExitCodes(codes map[int]int64) string {
	if len(codes) == 0 {
		return ""
	}
	keys := make([]int, 0, len(codes))
	for k := range codes {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var b strings.Builder
	b.WriteString("Exit Codes:\n")
	for _, code := range keys {
		fmt.Fprintf(&b, "  %4d %-10s %8s\n", code, exitCodeLabel(code), FormatNumber(codes[code]))
	}
	b.WriteString("\n")
	return b.String()
}

func formatCounts(title string, counts map[string]int64) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-15s %8s\n", k, FormatNumber(counts[k]))
	}
	b.WriteString("\n")
	return b.String()
}

func formatWaits(ws *WaitStats) string {
	rows := ws.Snapshot()
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(thinRule)
	b.WriteString("                              Output Waits\n")
	b.WriteString(thinRule + "\n")

	fmt.Fprintf(&b, "  %-16s %6s %8s %10s %10s %10s %10s\n",
		"Process", "Waits", "Matched", "P50", "P95", "P99", "Max")
	b.WriteString("  " + strings.Repeat("─", 76) + "\n")
	for _, r := range append(rows, ws.Overall()) {
		fmt.Fprintf(&b, "  %-16s %6d %8d %10s %10s %10s %10s\n",
			r.Name, r.Count, r.Matched,
			FormatMs(r.P50), FormatMs(r.P95), FormatMs(r.P99), FormatMs(r.Max))
	}
	b.WriteString("\n")
	return b.String()
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	ms := d.Milliseconds()
	if ms == 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}
