package stats

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-procharness/internal/metrics"
)

// =============================================================================
// WaitStats
// =============================================================================

func TestWaitStats_Empty(t *testing.T) {
	ws := NewWaitStats()
	if got := ws.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot on empty = %v", got)
	}
	o := ws.Overall()
	if o.Count != 0 || o.P50 != 0 || o.Max != 0 {
		t.Errorf("Overall on empty = %+v", o)
	}
}

func TestWaitStats_Percentiles(t *testing.T) {
	ws := NewWaitStats()
	for i := 1; i <= 1000; i++ {
		ws.Record("bind10", OutcomeMatched, time.Duration(i)*time.Millisecond)
	}

	s := ws.Snapshot()[0]
	if s.Count != 1000 || s.Matched != 1000 {
		t.Fatalf("counts = %d/%d", s.Count, s.Matched)
	}
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"p50", s.P50, 500 * time.Millisecond},
		{"p95", s.P95, 950 * time.Millisecond},
		{"p99", s.P99, 990 * time.Millisecond},
	}
	for _, tt := range tests {
		diff := tt.got - tt.want
		if diff < 0 {
			diff = -diff
		}
		if diff > 20*time.Millisecond {
			t.Errorf("%s = %v, want ~%v", tt.name, tt.got, tt.want)
		}
	}
	if s.Max != time.Second {
		t.Errorf("Max = %v, want 1s", s.Max)
	}
}

func TestWaitStats_OutcomesExcludedFromDigest(t *testing.T) {
	ws := NewWaitStats()
	ws.Record("bind10", OutcomeMatched, 10*time.Millisecond)
	ws.Record("bind10", "timeout", 10*time.Second)
	ws.Record("bind10", "terminated", 3*time.Second)

	s := ws.Snapshot()[0]
	if s.Count != 3 || s.Matched != 1 {
		t.Errorf("Count/Matched = %d/%d", s.Count, s.Matched)
	}
	if s.Max != 10*time.Millisecond || s.P99 != 10*time.Millisecond {
		t.Errorf("timeouts leaked into latency: max=%v p99=%v", s.Max, s.P99)
	}
	if s.Outcomes["timeout"] != 1 || s.Outcomes["terminated"] != 1 {
		t.Errorf("Outcomes = %v", s.Outcomes)
	}
}

func TestWaitStats_PerName(t *testing.T) {
	ws := NewWaitStats()
	ws.Record("zeta", OutcomeMatched, time.Millisecond)
	ws.Record("alpha", OutcomeMatched, time.Millisecond)
	ws.Record("alpha", OutcomeMatched, time.Millisecond)

	snap := ws.Snapshot()
	if len(snap) != 2 || snap[0].Name != "alpha" || snap[1].Name != "zeta" {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if snap[0].Count != 2 {
		t.Errorf("alpha count = %d", snap[0].Count)
	}
	if ws.Overall().Count != 3 {
		t.Errorf("overall count = %d", ws.Overall().Count)
	}
}

func TestWaitStats_Concurrent(t *testing.T) {
	ws := NewWaitStats()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				ws.Record(fmt.Sprintf("p%d", g%2), OutcomeMatched, time.Duration(i)*time.Microsecond)
			}
		}(g)
	}
	wg.Wait()

	if got := ws.Overall().Count; got != 2000 {
		t.Errorf("overall count = %d, want 2000", got)
	}
}

// =============================================================================
// Summary
// =============================================================================

func TestFormatExitSummary(t *testing.T) {
	ws := NewWaitStats()
	ws.Record("bind10", OutcomeMatched, 120*time.Millisecond)

	sum := &metrics.Summary{
		Duration:   90 * time.Second,
		PeakActive: 1,
		Starts:     1,
		ExitCodes:  map[int]int64{143: 1},
		Lines:      map[string]int64{"stderr": 42},
		Commands:   map[string]int64{"ok": 2},
	}

	out := FormatExitSummary(sum, ws, SummaryConfig{RunID: "run-1", MetricsAddr: "127.0.0.1:9090"})
	for _, want := range []string{
		"procharness Exit Summary",
		"run-1",
		"Result:                 ok",
		"00:01:30",
		"(SIGTERM)",
		"stderr",
		"bind10",
		"120 ms",
		"http://127.0.0.1:9090/metrics",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Last Output") {
		t.Error("successful run shows last output")
	}
}

func TestFormatExitSummary_Failed(t *testing.T) {
	out := FormatExitSummary(nil, nil, SummaryConfig{
		Failed:      true,
		RecentLines: []string{"FATAL BIND10_STARTUP_ERROR"},
	})
	if !strings.Contains(out, "FAILED") || !strings.Contains(out, "BIND10_STARTUP_ERROR") {
		t.Errorf("failed summary:\n%s", out)
	}
}

// =============================================================================
// Table-Driven Tests: Formatting Functions
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "00:00:00"},
		{"one minute", time.Minute, "00:01:00"},
		{"mixed", 2*time.Hour + 30*time.Minute + 45*time.Second, "02:30:45"},
		{"sub-second", 500 * time.Millisecond, "00:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5K"},
		{1500000, "1.5M"},
	}

	for _, tt := range tests {
		if got := FormatNumber(tt.n); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "-"},
		{250 * time.Microsecond, "250 µs"},
		{1500 * time.Millisecond, "1500 ms"},
	}

	for _, tt := range tests {
		if got := FormatMs(tt.d); got != tt.want {
			t.Errorf("FormatMs(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := map[int]string{0: "(clean)", 1: "(error)", 137: "(SIGKILL)", 143: "(SIGTERM)", 2: ""}
	for code, want := range tests {
		if got := exitCodeLabel(code); got != want {
			t.Errorf("exitCodeLabel(%d) = %q, want %q", code, got, want)
		}
	}
}
