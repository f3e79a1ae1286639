// Package metrics provides Prometheus metrics for procharness.
//
// Metrics are organized into two tiers:
//   - Tier 1 (always enabled): aggregate process, wait and command metrics
//   - Tier 2 (optional, -per-process-metrics): per-process line counters
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Wait outcomes, used as the "outcome" label.
const (
	OutcomeMatched    = "matched"
	OutcomeTimeout    = "timeout"
	OutcomeTerminated = "terminated"
	OutcomeCanceled   = "canceled"
	OutcomeError      = "error"
)

// Command outcomes.
const (
	CommandOK     = "ok"
	CommandFailed = "failed"
	CommandError  = "error"
)

// Collector owns every metric for one harness run.
type Collector struct {
	perProcessEnabled bool
	startTime         time.Time

	info             *prometheus.GaugeVec
	processesStarted prometheus.Counter
	spawnFailures    prometheus.Counter
	processesActive  prometheus.Gauge
	processExits     *prometheus.CounterVec
	processUptime    prometheus.Histogram
	linesCaptured    *prometheus.CounterVec
	waitsTotal       *prometheus.CounterVec
	waitDuration     prometheus.Histogram
	commandsTotal    *prometheus.CounterVec
	commandDuration  prometheus.Histogram

	// Tier 2
	processLines *prometheus.CounterVec

	// For summary generation
	mu          sync.Mutex
	active      int
	peakActive  int
	totalStarts int64
	exitCodes   map[int]int64
	waits       map[string]int64
	commands    map[string]int64
	lines       map[string]int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version           string
	RunID             string
	PerProcessMetrics bool
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		perProcessEnabled: cfg.PerProcessMetrics,
		startTime:         time.Now(),
		exitCodes:         make(map[int]int64),
		waits:             make(map[string]int64),
		commands:          make(map[string]int64),
		lines:             make(map[string]int64),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "procharness_info",
			Help: "Information about the harness run (value always 1)",
		}, []string{"version", "run_id"}),

		processesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procharness_processes_started_total",
			Help: "Processes spawned successfully",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procharness_spawn_failures_total",
			Help: "Processes that could not be spawned",
		}),
		processesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procharness_processes_active",
			Help: "Processes currently running",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procharness_process_exits_total",
			Help: "Process exits by category (success, error, signal)",
		}, []string{"category"}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procharness_process_uptime_seconds",
			Help:    "How long processes ran before exiting",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		linesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procharness_lines_captured_total",
			Help: "Output lines captured from supervised processes",
		}, []string{"stream"}),
		waitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procharness_waits_total",
			Help: "Output waits by outcome",
		}, []string{"outcome"}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "procharness_wait_duration_seconds",
			Help: "Time from arming a wait to its resolution",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05, 0.1,
				0.25, 0.5, 1, 2.5, 5, 10, 30,
			},
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procharness_commands_total",
			Help: "Control client runs by outcome",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procharness_command_duration_seconds",
			Help:    "Control client run time",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.info,
		c.processesStarted,
		c.spawnFailures,
		c.processesActive,
		c.processExits,
		c.processUptime,
		c.linesCaptured,
		c.waitsTotal,
		c.waitDuration,
		c.commandsTotal,
		c.commandDuration,
	)

	if cfg.PerProcessMetrics {
		c.processLines = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procharness_process_lines_total",
			Help: "Output lines per process and stream (high cardinality)",
		}, []string{"name", "stream"})
		registry.MustRegister(c.processLines)
	}

	c.info.WithLabelValues(cfg.Version, cfg.RunID).Set(1)
	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// ProcessStarted records a successful spawn.
func (c *Collector) ProcessStarted() {
	c.processesStarted.Inc()
	c.processesActive.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.mu.Unlock()
}

// SpawnFailed records a process that could not be created.
func (c *Collector) SpawnFailed() {
	c.spawnFailures.Inc()
}

// ProcessExited records a process exit.
func (c *Collector) ProcessExited(exitCode int, uptime time.Duration) {
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.processExits.WithLabelValues(category).Inc()
	c.processUptime.Observe(uptime.Seconds())
	c.processesActive.Dec()

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.active--
	c.mu.Unlock()
}

// LineCaptured records one line read from a process stream.
func (c *Collector) LineCaptured(name, stream string) {
	c.linesCaptured.WithLabelValues(stream).Inc()
	if c.perProcessEnabled {
		c.processLines.WithLabelValues(name, stream).Inc()
	}

	c.mu.Lock()
	c.lines[stream]++
	c.mu.Unlock()
}

// RecordWait records a resolved wait.
func (c *Collector) RecordWait(outcome string, d time.Duration) {
	c.waitsTotal.WithLabelValues(outcome).Inc()
	c.waitDuration.Observe(d.Seconds())

	c.mu.Lock()
	c.waits[outcome]++
	c.mu.Unlock()
}

// RecordCommand records a control client run.
func (c *Collector) RecordCommand(outcome string, d time.Duration) {
	c.commandsTotal.WithLabelValues(outcome).Inc()
	c.commandDuration.Observe(d.Seconds())

	c.mu.Lock()
	c.commands[outcome]++
	c.mu.Unlock()
}

// RemoveProcess drops per-process series for name.
// Only relevant when per-process metrics are enabled.
func (c *Collector) RemoveProcess(name string) {
	if !c.perProcessEnabled {
		return
	}
	c.processLines.DeletePartialMatch(prometheus.Labels{"name": name})
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the totals shown at exit.
type Summary struct {
	Duration   time.Duration
	PeakActive int
	Starts     int64
	ExitCodes  map[int]int64
	Waits      map[string]int64
	Commands   map[string]int64
	Lines      map[string]int64
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:   time.Since(c.startTime),
		PeakActive: c.peakActive,
		Starts:     c.totalStarts,
		ExitCodes:  make(map[int]int64, len(c.exitCodes)),
		Waits:      copyCounts(c.waits),
		Commands:   copyCounts(c.commands),
		Lines:      copyCounts(c.lines),
	}
	for code, n := range c.exitCodes {
		s.ExitCodes[code] = n
	}
	return s
}

// ExitCodeLabel formats an exit code for display.
func ExitCodeLabel(code int) string {
	if code > 128 {
		return "signal " + strconv.Itoa(code-128)
	}
	return strconv.Itoa(code)
}

// PerProcessEnabled returns whether per-process metrics are enabled.
func (c *Collector) PerProcessEnabled() bool {
	return c.perProcessEnabled
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
