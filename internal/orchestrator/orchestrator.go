// Package orchestrator runs one harness session from a Config: preflight,
// server startup, waits, control commands, hold, teardown and summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-procharness/internal/config"
	"github.com/randomizedcoder/go-procharness/internal/harness"
	"github.com/randomizedcoder/go-procharness/internal/metrics"
	"github.com/randomizedcoder/go-procharness/internal/preflight"
	"github.com/randomizedcoder/go-procharness/internal/process"
	"github.com/randomizedcoder/go-procharness/internal/stats"
	"github.com/randomizedcoder/go-procharness/internal/tui"
	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// recentLines is how much output the exit summary shows after a failure.
const recentLines = 10

// teardownSlack is added to the stop grace to bound Teardown.
const teardownSlack = 5 * time.Second

var (
	// ErrPreflightFailed is returned when a required preflight check fails.
	ErrPreflightFailed = errors.New("preflight checks failed (use -skip-preflight to override)")

	// ErrServerExited is returned when the server dies while being held.
	ErrServerExited = errors.New("server exited during hold")
)

// Options holds the parts of a run that do not come from Config.
type Options struct {
	Version string

	// Output receives preflight results and the exit summary. Default stdout.
	Output io.Writer

	// RunID overrides the generated run ID.
	RunID string
}

// Orchestrator coordinates all components for one harness run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	out    io.Writer

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	waits         *stats.WaitStats
	supervisor    *harness.Supervisor
	metricsServer *metrics.Server

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	waits := stats.NewWaitStats()
	control := process.NewCommandRunner(cfg.Control.BinaryPath, cfg.CommandTimeout, logger)

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		out:      out,
		registry: prometheus.NewRegistry(),
		waits:    waits,
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:           opts.Version,
		RunID:             runID,
		PerProcessMetrics: cfg.PerProcessMetrics,
	}, o.registry)
	o.supervisor = harness.New(harness.Config{
		Logger:         logger,
		Collector:      o.metrics,
		Stats:          waits,
		StopGrace:      cfg.StopGrace,
		DefaultTimeout: cfg.WaitTimeout,
		CaptureStdout:  cfg.CaptureStdout,
		EchoOutput:     cfg.Verbose,
		Control:        control,
		RunID:          runID,
	})

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, logger)
	}
	return o
}

// Run executes the session. It blocks until the steps finish and the hold
// ends, or a signal arrives. The server is always torn down before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.preflightOptions())
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			return ErrPreflightFailed
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	h, runErr := o.runSteps(ctx)
	if runErr == nil {
		runErr = o.hold(ctx, h)
	}
	if runErr != nil {
		o.logger.Error("run_failed", "run_id", o.supervisor.RunID(), "error", runErr)
	}

	o.shutdown()

	fmt.Fprint(o.out, stats.FormatExitSummary(o.metrics.GenerateSummary(), o.waits, stats.SummaryConfig{
		RunID:       o.supervisor.RunID(),
		MetricsAddr: o.config.MetricsAddr,
		RecentLines: o.recent(runErr),
		Failed:      runErr != nil,
	}))

	if o.config.MetricsDump != "" {
		if err := metrics.DumpToFile(o.config.MetricsDump, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", o.config.MetricsDump, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", o.config.MetricsDump)
		}
	}

	return runErr
}

func (o *Orchestrator) preflightOptions() preflight.Options {
	opts := preflight.Options{
		Processes:   1,
		ServerPath:  o.config.Server.BinaryPath,
		ControlPath: o.config.Control.BinaryPath,
		NeedControl: len(o.config.Commands) > 0,
	}
	// Only the generated command line is known to use the cmdctl port.
	if o.config.ServerArgs == nil {
		opts.CmdctlPort = o.config.Server.CmdctlPort
	}
	return opts
}

// runSteps starts the server, then runs every wait and command in order.
func (o *Orchestrator) runSteps(ctx context.Context) (*process.Handle, error) {
	cfg := o.config
	name := cfg.Server.ProcessName()
	path, args := cfg.ServerCommand()

	ok, fail, err := cfg.Startup()
	if err != nil {
		return nil, err
	}
	var startup *harness.Startup
	if len(ok) > 0 {
		startup = &harness.Startup{Success: ok, Failure: fail, Timeout: cfg.Server.StartupTimeout}
	}

	o.logger.Info("server_starting", "name", name, "path", path, "args", args)
	h, err := o.supervisor.StartNamed(ctx, name, path, args, harness.StartOptions{
		CaptureStdout: cfg.CaptureStdout,
		Startup:       startup,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	o.logger.Info("server_ready", "name", name, "pid", h.Pid(), "elapsed", time.Since(o.startTime).String())

	steps, err := cfg.WaitSteps()
	if err != nil {
		return h, err
	}
	for i, step := range steps {
		m, err := o.supervisor.WaitFor(ctx, name, []watch.Matcher{step.Pattern}, cfg.WaitTimeout, step.FromStart)
		if err != nil {
			return h, fmt.Errorf("wait %d %q: %w", i+1, step.String(), err)
		}
		o.logger.Info("step_matched", "step", i+1, "pattern", step.String(), "line", m.Line)
	}

	ctl := cfg.Server.Control(cfg.Control.BinaryPath)
	for i, command := range cfg.Commands {
		res, err := o.supervisor.SendCommand(ctx, ctl.Args(), command)
		if err != nil {
			return h, fmt.Errorf("command %d %q: %w", i+1, command, err)
		}
		o.logger.Info("command_sent",
			"step", i+1,
			"command", command,
			"duration", res.Duration.String(),
		)
		if cfg.Verbose && res.Stdout != "" {
			fmt.Fprint(o.out, res.Stdout)
		}
	}

	return h, nil
}

// hold keeps the server running after the last step. A zero Hold without
// the dashboard returns at once.
func (o *Orchestrator) hold(ctx context.Context, h *process.Handle) error {
	if o.config.TUIEnabled {
		return o.runTUI(ctx, h)
	}
	if o.config.Hold <= 0 {
		return nil
	}

	o.logger.Info("holding", "duration", o.config.Hold.String())
	timer := time.NewTimer(o.config.Hold)
	defer timer.Stop()

	select {
	case <-timer.C:
		o.logger.Info("hold_elapsed", "duration", o.config.Hold.String())
		return nil
	case <-ctx.Done():
		o.logger.Info("hold_interrupted")
		return nil
	case <-h.Done():
		return o.exitedError(h)
	}
}

// runTUI shows the dashboard until the user quits, the hold elapses, the
// context ends or the server exits.
func (o *Orchestrator) runTUI(ctx context.Context, h *process.Handle) error {
	model := tui.New(tui.Config{
		RunID:       o.supervisor.RunID(),
		MetricsAddr: o.config.MetricsAddr,
		Processes:   o.supervisor,
		Waits:       o.waits,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	var holdC <-chan time.Time
	if o.config.Hold > 0 {
		timer := time.NewTimer(o.config.Hold)
		defer timer.Stop()
		holdC = timer.C
	}

	exited := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		select {
		case <-holdC:
		case <-ctx.Done():
		case <-h.Done():
			close(exited)
		case <-quit:
			return
		}
		tui.SendQuit(p)
	}()

	_, err := p.Run()
	close(quit)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}

	select {
	case <-exited:
		return o.exitedError(h)
	default:
		return nil
	}
}

func (o *Orchestrator) exitedError(h *process.Handle) error {
	code, _ := h.ExitCode()
	return fmt.Errorf("%w: %s (exit %s)", ErrServerExited, h.Name(), metrics.ExitCodeLabel(code))
}

// shutdown tears down every process and stops the metrics server.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.StopGrace+teardownSlack)
	defer cancel()

	if err := o.supervisor.Teardown(ctx); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}
}

// recent returns the server's last lines when the run failed.
func (o *Orchestrator) recent(runErr error) []string {
	if runErr == nil {
		return nil
	}
	return o.supervisor.Recent(o.config.Server.ProcessName(), recentLines)
}

// Supervisor returns the supervisor for external access.
func (o *Orchestrator) Supervisor() *harness.Supervisor {
	return o.supervisor
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the Prometheus registry holding the run's metrics.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
