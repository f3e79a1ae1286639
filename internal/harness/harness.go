// Package harness drives named server processes for a test run.
//
// A Supervisor owns a registry of running processes. Steps start processes
// by name, block on their output with WaitFor, run control commands with
// SendCommand, and the run ends with Teardown.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-procharness/internal/logging"
	"github.com/randomizedcoder/go-procharness/internal/metrics"
	"github.com/randomizedcoder/go-procharness/internal/process"
	"github.com/randomizedcoder/go-procharness/internal/profile"
	"github.com/randomizedcoder/go-procharness/internal/registry"
	"github.com/randomizedcoder/go-procharness/internal/stats"
	"github.com/randomizedcoder/go-procharness/internal/watch"
)

const (
	// DefaultTimeout applies to waits called with a zero timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultCommandTimeout bounds one control-client run.
	DefaultCommandTimeout = 30 * time.Second
)

// Config holds configuration for a Supervisor.
type Config struct {
	Logger *slog.Logger

	// Collector and Stats are optional.
	Collector *metrics.Collector
	Stats     *stats.WaitStats

	// StopGrace is the SIGTERM to SIGKILL delay used by Stop and Teardown.
	StopGrace time.Duration

	// DefaultTimeout replaces a zero wait timeout.
	DefaultTimeout time.Duration

	// CaptureStdout adds a stdout watcher to every process.
	CaptureStdout bool

	// EchoOutput logs every captured line, not only warnings and errors.
	EchoOutput bool

	// Control is the client used by SendCommand. Nil means the default
	// control client binary with DefaultCommandTimeout.
	Control *process.CommandRunner

	// RunID tags every log line. Empty means a fresh UUID.
	RunID string
}

// StartOptions holds per-process options for StartNamed.
type StartOptions struct {
	Env       []string
	Dir       string
	OpenStdin bool

	// CaptureStdout adds a stdout watcher for this process.
	CaptureStdout bool

	// Startup, when set, makes StartNamed block until the process reports
	// success or failure on stderr.
	Startup *Startup
}

// Startup describes the lines that end a process's startup.
type Startup struct {
	Success []watch.Matcher
	Failure []watch.Matcher
	Timeout time.Duration
}

// member is one registry entry. handle is nil while the process spawns.
type member struct {
	handle *process.Handle
}

// Supervisor owns the processes of one test run.
type Supervisor struct {
	logger    *slog.Logger
	collector *metrics.Collector
	stats     *stats.WaitStats
	control   *process.CommandRunner
	runID     string

	stopGrace      time.Duration
	defaultTimeout time.Duration
	captureStdout  bool
	echoOutput     bool

	registry *registry.Registry[*member]

	echoMu sync.Mutex
	echoes map[string]*logging.LineEcho
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", runID)

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	control := cfg.Control
	if control == nil {
		control = process.NewCommandRunner(profile.DefaultControl().BinaryPath, DefaultCommandTimeout, logger)
	}

	return &Supervisor{
		logger:         logger,
		collector:      cfg.Collector,
		stats:          cfg.Stats,
		control:        control,
		runID:          runID,
		stopGrace:      cfg.StopGrace,
		defaultTimeout: timeout,
		captureStdout:  cfg.CaptureStdout,
		echoOutput:     cfg.EchoOutput,
		registry:       registry.New[*member](),
		echoes:         make(map[string]*logging.LineEcho),
	}
}

// RunID returns the identifier attached to this run's logs and metrics.
func (s *Supervisor) RunID() string {
	return s.runID
}

// StartNamed spawns path under name. The name is reserved before spawning,
// so a duplicate spawns nothing. With opts.Startup set, it blocks until a
// startup line appears; on failure the process is stopped and the name
// released.
func (s *Supervisor) StartNamed(ctx context.Context, name, path string, args []string, opts StartOptions) (*process.Handle, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := s.registry.Register(name, &member{}); err != nil {
		return nil, err
	}

	echo := logging.NewLineEcho(name, s.logger, s.echoOutput)
	s.echoMu.Lock()
	s.echoes[name] = echo
	s.echoMu.Unlock()

	h, err := process.Start(process.Spec{
		Name:          name,
		Path:          path,
		Args:          args,
		Env:           opts.Env,
		Dir:           opts.Dir,
		CaptureStdout: s.captureStdout || opts.CaptureStdout,
		OpenStdin:     opts.OpenStdin,
	},
		process.WithLogger(s.logger),
		process.WithLineObserver(s.lineObserver(name, echo)),
		process.WithCallbacks(process.Callbacks{
			OnStart: s.onStart,
			OnExit:  s.onExit,
		}),
	)
	if err != nil {
		s.registry.Remove(name)
		if s.collector != nil {
			s.collector.SpawnFailed()
		}
		return nil, err
	}
	if err := s.registry.Replace(name, &member{handle: h}); err != nil {
		// Torn down while spawning.
		h.Stop(s.stopGrace)
		return nil, err
	}

	if opts.Startup == nil {
		return h, nil
	}
	if err := s.awaitStartup(ctx, h, opts.Startup); err != nil {
		s.release(name, h)
		return nil, err
	}
	return h, nil
}

// awaitStartup scans stderr from the beginning for the first success or
// failure line.
func (s *Supervisor) awaitStartup(ctx context.Context, h *process.Handle, st *Startup) error {
	patterns := make([]watch.Matcher, 0, len(st.Success)+len(st.Failure))
	patterns = append(patterns, st.Success...)
	patterns = append(patterns, st.Failure...)

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	m, err := s.observeWait(ctx, h.Name(), h.Stderr(), patterns, timeout, true)
	if err != nil {
		return err
	}
	if m.Index >= len(st.Success) {
		s.logger.Error("startup_failed",
			"name", h.Name(),
			"pattern", m.Pattern.String(),
			"line", m.Line,
		)
		return &StartupFailedError{Name: h.Name(), Pattern: m.Pattern.String(), Line: m.Line}
	}
	s.logger.Info("startup_complete", "name", h.Name(), "line", m.Line)
	return nil
}

// release stops h and frees its name.
func (s *Supervisor) release(name string, h *process.Handle) {
	if err := h.Stop(s.stopGrace); err != nil {
		s.logger.Warn("stop_failed", "name", name, "error", err)
	}
	s.registry.Remove(name)
	if s.collector != nil {
		s.collector.RemoveProcess(name)
	}
}

// Lookup returns the running handle registered under name.
func (s *Supervisor) Lookup(name string) (*process.Handle, error) {
	m, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if m.handle == nil {
		return nil, fmt.Errorf("%w: %q (still starting)", registry.ErrNotFound, name)
	}
	return m.handle, nil
}

// WaitFor blocks until a stderr line of name matches one of patterns.
// A zero timeout uses the configured default.
func (s *Supervisor) WaitFor(ctx context.Context, name string, patterns []watch.Matcher, timeout time.Duration, fromStart bool) (watch.Match, error) {
	return s.WaitForStream(ctx, name, process.StreamStderr, patterns, timeout, fromStart)
}

// WaitForStream is WaitFor on an explicit stream.
func (s *Supervisor) WaitForStream(ctx context.Context, name, stream string, patterns []watch.Matcher, timeout time.Duration, fromStart bool) (watch.Match, error) {
	h, err := s.Lookup(name)
	if err != nil {
		return watch.Match{}, err
	}
	w, err := h.Watcher(stream)
	if err != nil {
		return watch.Match{}, err
	}
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	return s.observeWait(ctx, name, w, patterns, timeout, fromStart)
}

// observeWait runs one wait and records its outcome.
func (s *Supervisor) observeWait(ctx context.Context, name string, w *watch.Watcher, patterns []watch.Matcher, timeout time.Duration, fromStart bool) (watch.Match, error) {
	start := time.Now()
	m, err := w.WaitFor(ctx, patterns, timeout, fromStart)
	elapsed := time.Since(start)

	outcome := waitOutcome(err)
	if s.collector != nil {
		s.collector.RecordWait(outcome, elapsed)
	}
	if s.stats != nil {
		s.stats.Record(name, outcome, elapsed)
	}

	if err != nil {
		s.logger.Warn("wait_failed",
			"name", name,
			"stream", w.Stream(),
			"outcome", outcome,
			"elapsed", elapsed.String(),
			"error", err,
		)
		return m, err
	}
	s.logger.Debug("wait_matched",
		"name", name,
		"stream", w.Stream(),
		"pattern", m.Pattern.String(),
		"line_no", m.LineNo,
		"elapsed", elapsed.String(),
	)
	return m, nil
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeMatched
	case errors.Is(err, watch.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, watch.ErrProcessTerminated):
		return metrics.OutcomeTerminated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}

// SendCommand runs the control client with args, feeding it commands
// followed by quit. A non-zero exit is returned as *process.CommandFailedError.
func (s *Supervisor) SendCommand(ctx context.Context, args []string, commands ...string) (process.CommandResult, error) {
	return s.runCommand(ctx, s.control, args, commands)
}

func (s *Supervisor) runCommand(ctx context.Context, r *process.CommandRunner, args, commands []string) (process.CommandResult, error) {
	res, err := r.Run(ctx, args, process.Script(commands...))
	if s.collector != nil {
		outcome := metrics.CommandOK
		switch {
		case errors.Is(err, process.ErrCommandFailed):
			outcome = metrics.CommandFailed
		case err != nil:
			outcome = metrics.CommandError
		}
		s.collector.RecordCommand(outcome, res.Duration)
	}
	return res, err
}

// Stop stops the named process and removes it from the registry.
func (s *Supervisor) Stop(name string) error {
	h, err := s.Lookup(name)
	if err != nil {
		return err
	}
	err = h.Stop(s.stopGrace)
	s.registry.Remove(name)
	if s.collector != nil {
		s.collector.RemoveProcess(name)
	}
	return err
}

// Teardown stops every registered process concurrently and empties the
// registry. It returns the joined stop errors, or ctx's error if the stops
// do not finish in time.
func (s *Supervisor) Teardown(ctx context.Context) error {
	names := s.registry.Names()
	s.logger.Info("teardown_initiated", "processes", len(names))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		m, err := s.registry.Remove(name)
		if err != nil || m.handle == nil {
			continue
		}
		if s.collector != nil {
			s.collector.RemoveProcess(name)
		}
		wg.Add(1)
		go func(h *process.Handle) {
			defer wg.Done()
			if err := h.Stop(s.stopGrace); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(m.handle)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("teardown_complete", "processes", len(names))
	case <-ctx.Done():
		s.logger.Warn("teardown_timeout")
		mu.Lock()
		errs = append(errs, ctx.Err())
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// Handles returns the registered handles in start order.
func (s *Supervisor) Handles() []*process.Handle {
	all := s.registry.All()
	out := make([]*process.Handle, 0, len(all))
	for _, m := range all {
		if m.handle != nil {
			out = append(out, m.handle)
		}
	}
	return out
}

// Recent returns up to n of the last lines captured from name, including
// names that have since been stopped.
func (s *Supervisor) Recent(name string, n int) []string {
	s.echoMu.Lock()
	echo := s.echoes[name]
	s.echoMu.Unlock()
	if echo == nil {
		return nil
	}
	return echo.Recent(n)
}

// Callback handlers

func (s *Supervisor) lineObserver(name string, echo *logging.LineEcho) func(stream, line string) {
	return func(stream, line string) {
		echo.Handle(stream, line)
		if s.collector != nil {
			s.collector.LineCaptured(name, stream)
		}
	}
}

func (s *Supervisor) onStart(name string, pid int) {
	if s.collector != nil {
		s.collector.ProcessStarted()
	}
}

func (s *Supervisor) onExit(name string, exitCode int, uptime time.Duration) {
	if s.collector != nil {
		s.collector.ProcessExited(exitCode, uptime)
	}
}
