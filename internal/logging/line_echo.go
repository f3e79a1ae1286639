package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the longest captured line echoed before truncation.
	MaxLineLength = 4096

	// MaxRecentLines is how many echoed lines each LineEcho remembers.
	MaxRecentLines = 100
)

// LineEcho forwards lines captured from a child process into the harness
// log, at a level chosen from the line's own severity token, and keeps a
// ring of recent lines for failure reports.
type LineEcho struct {
	name    string
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	ring   []string
	next   int
	filled bool
	counts map[string]int
}

// NewLineEcho creates an echo for the process called name. Without verbose,
// lines classified as debug are remembered but not logged.
func NewLineEcho(name string, logger *slog.Logger, verbose bool) *LineEcho {
	return &LineEcho{
		name:    name,
		logger:  logger,
		verbose: verbose,
		ring:    make([]string, MaxRecentLines),
		counts:  make(map[string]int),
	}
}

// Handle echoes one line from stream. Matches the signature of
// process.WithLineObserver.
func (e *LineEcho) Handle(stream, line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	level, severity := classifyLine(line)

	e.mu.Lock()
	e.ring[e.next] = line
	e.next = (e.next + 1) % MaxRecentLines
	if e.next == 0 {
		e.filled = true
	}
	if severity != "" {
		e.counts[severity]++
	}
	e.mu.Unlock()

	if !e.verbose && level == slog.LevelDebug {
		return
	}
	e.logger.Log(context.Background(), level, "process_output",
		"name", e.name,
		"stream", stream,
		"line", line,
	)
}

// severityTokens maps the severity words servers put in their log lines to
// the level they are echoed at. Checked in order.
var severityTokens = []struct {
	token string
	level slog.Level
}{
	{"FATAL", slog.LevelError},
	{"ERROR", slog.LevelWarn},
	{"WARN", slog.LevelWarn},
	{"INFO", slog.LevelDebug},
	{"DEBUG", slog.LevelDebug},
}

// classifyLine returns the echo level and the severity token found, if any.
func classifyLine(line string) (slog.Level, string) {
	upper := strings.ToUpper(line)
	for _, st := range severityTokens {
		if strings.Contains(upper, st.token) {
			return st.level, st.token
		}
	}
	return slog.LevelDebug, ""
}

// Recent returns up to n of the most recent lines, oldest first.
func (e *LineEcho) Recent(n int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := e.next
	if e.filled {
		size = MaxRecentLines
	}
	if n > size {
		n = size
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (e.next - n + i + MaxRecentLines) % MaxRecentLines
		out = append(out, e.ring[idx])
	}
	return out
}

// SeverityCounts returns how many lines carried each severity token.
func (e *LineEcho) SeverityCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
