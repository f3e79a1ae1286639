// Package process spawns and owns external processes for the harness.
//
// A Handle owns exactly one OS process together with the watchers fed from
// its output pipes. A CommandRunner runs short-lived control clients and
// collects their output.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// Stream labels.
const (
	StreamStderr = "stderr"
	StreamStdout = "stdout"
)

const (
	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 5 * time.Second

	// defaultDrainTimeout bounds how long the reaper waits for pipe readers
	// after the process exits. Grandchildren can keep a pipe open forever.
	defaultDrainTimeout = 5 * time.Second
)

var (
	// ErrNoStream is returned by Watcher for a stream that is not captured.
	ErrNoStream = errors.New("stream not captured")

	// ErrKilled is returned by Stop when the process ignored SIGTERM.
	ErrKilled = errors.New("process did not exit gracefully")
)

// Spec describes the process to spawn.
type Spec struct {
	// Name is the logical name used in logs and errors.
	Name string

	// Path is the executable, resolved through PATH if it has no separator.
	Path string

	// Args excludes the program name.
	Args []string

	// Env entries are appended to the parent environment.
	Env []string

	// Dir is the working directory; empty means the parent's.
	Dir string

	// CaptureStdout adds a stdout watcher. stderr is always captured.
	CaptureStdout bool

	// OpenStdin gives the handle a writable stdin pipe.
	OpenStdin bool
}

// Callbacks contains optional hooks for process events.
type Callbacks struct {
	// OnStateChange is called when the handle changes state.
	OnStateChange func(name string, oldState, newState State)

	// OnStart is called once the process is running.
	OnStart func(name string, pid int)

	// OnExit is called after the process is reaped and its streams are closed.
	OnExit func(name string, exitCode int, uptime time.Duration)
}

// Option configures a Handle at Start.
type Option func(*Handle)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithCallbacks sets lifecycle hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(h *Handle) {
		h.callbacks = cb
	}
}

// WithLineObserver receives every captured line, tagged with its stream.
func WithLineObserver(fn func(stream, line string)) Option {
	return func(h *Handle) {
		h.lineObserver = fn
	}
}

// WithDrainTimeout overrides how long the reaper waits for pipe readers.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.drainTimeout = d
		}
	}
}

// Handle owns one spawned process and its output watchers.
type Handle struct {
	spec         Spec
	logger       *slog.Logger
	callbacks    Callbacks
	lineObserver func(stream, line string)
	drainTimeout time.Duration

	cmd   *exec.Cmd
	pid   int
	stdin io.WriteCloser

	stderr  *watch.Watcher
	stdout  *watch.Watcher
	readers []*watch.PipeReader
	pipes   []*os.File // parent read ends

	stateMu   sync.RWMutex
	state     State
	exitCode  int
	startTime time.Time
	endTime   time.Time

	// sigMu orders signals against the reap. Once reaped is set the pid
	// may be reused, so no signal is sent.
	sigMu    sync.Mutex
	reaped   bool
	stopping bool

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Start spawns the process described by spec and begins draining its
// output immediately, whether or not anyone is waiting on it.
func Start(spec Spec, opts ...Option) (*Handle, error) {
	h := &Handle{
		spec:         spec,
		logger:       slog.Default(),
		drainTimeout: defaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.setState(StateStarting)

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Own process group so Stop reaches anything the server forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var childEnds []*os.File
	fail := func(err error) (*Handle, error) {
		for _, f := range childEnds {
			f.Close()
		}
		h.closePipes()
		h.closeWatchers(err)
		h.setState(StateExited)
		close(h.done)
		h.logger.Error("process_spawn_failed",
			"name", spec.Name,
			"path", spec.Path,
			"error", err,
		)
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Err: err}
	}

	h.stderr = h.newWatcher(StreamStderr)
	errW, err := h.addPipe(h.stderr)
	if err != nil {
		return fail(err)
	}
	childEnds = append(childEnds, errW)
	cmd.Stderr = errW

	if spec.CaptureStdout {
		h.stdout = h.newWatcher(StreamStdout)
		outW, err := h.addPipe(h.stdout)
		if err != nil {
			return fail(err)
		}
		childEnds = append(childEnds, outW)
		cmd.Stdout = outW
	}

	if spec.OpenStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fail(err)
		}
		h.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		return fail(err)
	}

	// The child holds its own copies; closing ours lets EOF arrive on exit.
	for _, f := range childEnds {
		f.Close()
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.stateMu.Lock()
	h.startTime = time.Now()
	h.stateMu.Unlock()

	for _, r := range h.readers {
		go r.Run()
	}

	h.setState(StateRunning)
	h.logger.Info("process_started",
		"name", spec.Name,
		"pid", h.pid,
		"path", spec.Path,
		"args", spec.Args,
	)
	if h.callbacks.OnStart != nil {
		h.callbacks.OnStart(spec.Name, h.pid)
	}

	go h.reap()
	return h, nil
}

func (h *Handle) newWatcher(stream string) *watch.Watcher {
	w := watch.New(h.spec.Name, stream)
	if h.lineObserver != nil {
		fn := h.lineObserver
		w.Observe(func(line string) { fn(stream, line) })
	}
	return w
}

// addPipe creates a pipe whose read end feeds w and returns the write end
// for the child.
func (h *Handle) addPipe(w *watch.Watcher) (*os.File, error) {
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s pipe: %w", w.Stream(), err)
	}
	h.pipes = append(h.pipes, r)
	h.readers = append(h.readers, watch.NewPipeReader(r, w))
	return wr, nil
}

// reap waits for the process and its readers, then closes the watchers.
func (h *Handle) reap() {
	waitErr := h.cmd.Wait()
	exitCode := extractExitCode(waitErr)

	h.sigMu.Lock()
	h.reaped = true
	stopped := h.stopping
	h.sigMu.Unlock()

	h.waitForReaders()
	h.closePipes()

	h.stateMu.Lock()
	h.exitCode = exitCode
	h.endTime = time.Now()
	uptime := h.endTime.Sub(h.startTime)
	h.stateMu.Unlock()

	var cause error = &ExitError{Code: exitCode}
	newState := StateExited
	if stopped {
		cause = ErrStopped
		newState = StateStopped
	}
	h.setState(newState)
	h.closeWatchers(cause)

	h.logger.Info("process_exited",
		"name", h.spec.Name,
		"pid", h.pid,
		"exit_code", exitCode,
		"state", newState.String(),
		"uptime", uptime.String(),
	)

	close(h.done)

	if h.callbacks.OnExit != nil {
		h.callbacks.OnExit(h.spec.Name, exitCode, uptime)
	}
}

// waitForReaders gives the pipe readers drainTimeout to reach EOF, then
// closes the read ends to unblock them.
func (h *Handle) waitForReaders() {
	timer := time.NewTimer(h.drainTimeout)
	defer timer.Stop()

	for _, r := range h.readers {
		select {
		case <-r.Done():
		case <-timer.C:
			h.logger.Warn("pipe_drain_timeout",
				"name", h.spec.Name,
				"pid", h.pid,
				"timeout", h.drainTimeout.String(),
				"reason", "pipe still held open after process exit",
			)
			h.closePipes()
			for _, r := range h.readers {
				<-r.Done()
			}
			return
		}
	}

	for _, r := range h.readers {
		if err := r.Err(); err != nil {
			h.logger.Warn("pipe_read_error", "name", h.spec.Name, "error", err)
		}
	}
}

func (h *Handle) closePipes() {
	for _, f := range h.pipes {
		f.Close()
	}
}

func (h *Handle) closeWatchers(cause error) {
	if h.stderr != nil {
		h.stderr.Close(cause)
	}
	if h.stdout != nil {
		h.stdout.Close(cause)
	}
}

// Stop terminates the process group with SIGTERM, escalating to SIGKILL
// after grace. It returns once the process is reaped and its pipes are
// released. Repeated calls return the first call's result.
func (h *Handle) Stop(grace time.Duration) error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop(grace)
	})
	return h.stopErr
}

func (h *Handle) stop(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	h.sigMu.Lock()
	if h.reaped {
		h.sigMu.Unlock()
		<-h.done
		return nil
	}
	h.stopping = true
	h.sigMu.Unlock()

	if h.stdin != nil {
		h.stdin.Close()
	}

	h.logger.Debug("process_stopping", "name", h.spec.Name, "pid", h.pid)
	h.signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.logger.Warn("force_killing_process",
		"name", h.spec.Name,
		"pid", h.pid,
		"grace", grace.String(),
	)
	h.signal(syscall.SIGKILL)
	<-h.done
	return fmt.Errorf("%s: %w", h.spec.Name, ErrKilled)
}

// signal sends sig to the process group. The child leads its own group, so
// the pgid is the pid.
func (h *Handle) signal(sig syscall.Signal) {
	h.sigMu.Lock()
	defer h.sigMu.Unlock()
	if h.reaped {
		return
	}
	if err := syscall.Kill(-h.pid, sig); err != nil {
		h.cmd.Process.Signal(sig)
	}
}

// IsRunning reports whether the process is still alive. It never blocks.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed after the process is reaped and its watchers are closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Handle) setState(newState State) {
	h.stateMu.Lock()
	oldState := h.state
	h.state = newState
	h.stateMu.Unlock()

	if h.callbacks.OnStateChange != nil && oldState != newState {
		h.callbacks.OnStateChange(h.spec.Name, oldState, newState)
	}
}

// ExitCode returns the exit code once the process has been reaped.
func (h *Handle) ExitCode() (int, bool) {
	if h.IsRunning() {
		return 0, false
	}
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.exitCode, true
}

// Name returns the logical name.
func (h *Handle) Name() string {
	return h.spec.Name
}

// Pid returns the OS process ID.
func (h *Handle) Pid() int {
	return h.pid
}

// Spec returns the spec the process was started with.
func (h *Handle) Spec() Spec {
	return h.spec
}

// Uptime returns how long the process has run, or ran.
func (h *Handle) Uptime() time.Duration {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if h.startTime.IsZero() {
		return 0
	}
	if !h.endTime.IsZero() {
		return h.endTime.Sub(h.startTime)
	}
	return time.Since(h.startTime)
}

// Stderr returns the stderr watcher.
func (h *Handle) Stderr() *watch.Watcher {
	return h.stderr
}

// Stdout returns the stdout watcher, or nil when stdout is not captured.
func (h *Handle) Stdout() *watch.Watcher {
	return h.stdout
}

// Watcher returns the watcher for stream.
func (h *Handle) Watcher(stream string) (*watch.Watcher, error) {
	switch {
	case stream == StreamStderr:
		return h.stderr, nil
	case stream == StreamStdout && h.stdout != nil:
		return h.stdout, nil
	default:
		return nil, fmt.Errorf("%s %s: %w", h.spec.Name, stream, ErrNoStream)
	}
}

// Stdin returns the process's stdin, or nil unless Spec.OpenStdin was set.
func (h *Handle) Stdin() io.Writer {
	return h.stdin
}

// extractExitCode extracts the exit code from a Wait() error.
// Signalled processes report 128 + signal number, like a shell.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	return 1
}
