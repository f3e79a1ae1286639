package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-procharness/internal/logging"
	"github.com/randomizedcoder/go-procharness/internal/metrics"
	"github.com/randomizedcoder/go-procharness/internal/process"
	"github.com/randomizedcoder/go-procharness/internal/profile"
	"github.com/randomizedcoder/go-procharness/internal/registry"
	"github.com/randomizedcoder/go-procharness/internal/stats"
	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// =============================================================================
// Test Helpers
// =============================================================================

// echoClient prints its args, echoes commands and exits with $EXIT_CODE on "quit".
const echoClient = `echo "args: $*"; while IFS= read -r l; do echo "> $l"; if [ "$l" = quit ]; then exit "$EXIT_CODE"; fi; done; exit 9`

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	s := New(cfg)
	t.Cleanup(func() { s.Teardown(context.Background()) })
	return s
}

func startBash(t *testing.T, s *Supervisor, name, script string, opts StartOptions) *process.Handle {
	t.Helper()
	h, err := s.StartNamed(context.Background(), name, "bash", []string{"-c", script}, opts)
	if err != nil {
		t.Fatalf("StartNamed(%s): %v", name, err)
	}
	return h
}

// writeScript writes an executable sh script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func serverStartup(timeout time.Duration) *Startup {
	return ServerStartup(profile.Server{StartupTimeout: timeout})
}

// =============================================================================
// Registry behaviour
// =============================================================================

func TestNew_RunID(t *testing.T) {
	s := New(Config{Logger: logging.NewDiscardLogger()})
	if _, err := uuid.Parse(s.RunID()); err != nil {
		t.Errorf("RunID %q is not a UUID: %v", s.RunID(), err)
	}
	if got := New(Config{RunID: "fixed"}).RunID(); got != "fixed" {
		t.Errorf("RunID = %q, want fixed", got)
	}
}

func TestStartNamed_EmptyName(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if _, err := s.StartNamed(context.Background(), "", "bash", nil, StartOptions{}); !errors.Is(err, ErrEmptyName) {
		t.Errorf("err = %v, want ErrEmptyName", err)
	}
}

func TestStartNamed_DuplicateName(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	first := startBash(t, s, "bind10", "sleep 30", StartOptions{})

	_, err := s.StartNamed(context.Background(), "bind10", "bash", []string{"-c", "sleep 30"}, StartOptions{})
	if !errors.Is(err, registry.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}

	hs := s.Handles()
	if len(hs) != 1 || hs[0] != first {
		t.Errorf("Handles = %v, want only the first process", hs)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	if _, err := s.Lookup("ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Lookup err = %v", err)
	}
	if err := s.Stop("ghost"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Stop err = %v", err)
	}
	if _, err := s.WaitFor(context.Background(), "ghost", watch.Substrings("x"), time.Second, true); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("WaitFor err = %v", err)
	}
}

func TestStartNamed_SpawnErrorReleasesName(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{}, prometheus.NewRegistry())
	s := newTestSupervisor(t, Config{Collector: collector})

	_, err := s.StartNamed(context.Background(), "bind10", "/nonexistent/bind10", nil, StartOptions{})
	if !errors.Is(err, process.ErrSpawn) {
		t.Fatalf("err = %v, want ErrSpawn", err)
	}
	var se *process.SpawnError
	if !errors.As(err, &se) || se.Path != "/nonexistent/bind10" {
		t.Errorf("SpawnError = %+v", se)
	}

	startBash(t, s, "bind10", "sleep 30", StartOptions{})
}

func TestWaitForStream_NoStdout(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	startBash(t, s, "srv", "sleep 30", StartOptions{})

	_, err := s.WaitForStream(context.Background(), "srv", process.StreamStdout, watch.Substrings("x"), time.Second, true)
	if !errors.Is(err, process.ErrNoStream) {
		t.Errorf("err = %v, want ErrNoStream", err)
	}
}

// =============================================================================
// Startup
// =============================================================================

func TestStartNamed_StartupComplete(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	h := startBash(t, s, "bind10",
		`echo "INFO BIND10_STARTING" >&2; echo "INFO BIND10_STARTUP_COMPLETE" >&2; sleep 30`,
		StartOptions{Startup: serverStartup(5 * time.Second)})

	if !h.IsRunning() {
		t.Error("process not running after startup")
	}
	if got, _ := s.Lookup("bind10"); got != h {
		t.Error("Lookup did not return the started handle")
	}
}

func TestStartNamed_StartupFailureWins(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	// The error line comes first, even though success is listed first.
	_, err := s.StartNamed(context.Background(), "bind10", "bash",
		[]string{"-c", `echo "FATAL BIND10_STARTUP_ERROR boom" >&2; echo "INFO BIND10_STARTUP_COMPLETE" >&2; sleep 30`},
		StartOptions{Startup: serverStartup(5 * time.Second)})

	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("err = %v, want ErrStartupFailed", err)
	}
	var sf *StartupFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("err is %T", err)
	}
	if sf.Name != "bind10" || !strings.Contains(sf.Line, "boom") || sf.Pattern != profile.MsgStartupError {
		t.Errorf("StartupFailedError = %+v", sf)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("message does not name the line: %v", err)
	}

	if _, err := s.Lookup("bind10"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("name still registered after failed startup: %v", err)
	}
	if recent := s.Recent("bind10", 5); len(recent) == 0 {
		t.Error("Recent lost the output of the failed process")
	}
}

func TestStartNamed_StartupTimeout(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	start := time.Now()
	_, err := s.StartNamed(context.Background(), "bind10", "bash",
		[]string{"-c", `echo "INFO still booting" >&2; sleep 30`},
		StartOptions{Startup: serverStartup(200 * time.Millisecond)})

	if !errors.Is(err, watch.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
	var te *watch.TimeoutError
	if errors.As(err, &te) && te.HasLast && te.LastLine != "INFO still booting" {
		t.Errorf("LastLine = %q", te.LastLine)
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry has %d entries after timeout", s.registry.Len())
	}
}

func TestStartNamed_DiesDuringStartup(t *testing.T) {
	s := newTestSupervisor(t, Config{})

	_, err := s.StartNamed(context.Background(), "bind10", "bash",
		[]string{"-c", `echo "INFO booting" >&2; exit 2`},
		StartOptions{Startup: serverStartup(5 * time.Second)})

	if !errors.Is(err, watch.ErrProcessTerminated) {
		t.Fatalf("err = %v, want ErrProcessTerminated", err)
	}
	if errors.Is(err, watch.ErrTimeout) {
		t.Error("termination reported as timeout")
	}
}

// =============================================================================
// Waits
// =============================================================================

func TestHaveServerRunning_ComponentWaits(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{
			name: "auth after startup",
			script: `echo "INFO BIND10_STARTUP_COMPLETE" >&2
echo "INFO AUTH_SERVER_STARTED" >&2
echo "INFO XFROUT_NEW_CONFIG_DONE" >&2
exec sleep 30`,
		},
		{
			name: "auth before startup",
			script: `echo "INFO AUTH_SERVER_STARTED" >&2
echo "INFO XFROUT_NEW_CONFIG_DONE" >&2
echo "INFO BIND10_STARTUP_COMPLETE" >&2
exec sleep 30`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(t, Config{})
			p := profile.Server{Name: "bind10", BinaryPath: writeScript(t, tt.script), StartupTimeout: 5 * time.Second}

			h, err := s.HaveServerRunning(context.Background(), p)
			if err != nil {
				t.Fatalf("HaveServerRunning: %v", err)
			}
			if h.Name() != "bind10" {
				t.Errorf("Name = %q", h.Name())
			}

			if _, err := s.WaitForComponent(context.Background(), "bind10", profile.MsgXfroutConfigDone, 5*time.Second); err != nil {
				t.Fatalf("xfrout wait: %v", err)
			}

			// Component waits look at earlier output too, so repeating one matches again.
			if _, err := s.WaitForComponent(context.Background(), "bind10", profile.MsgAuthStarted, 100*time.Millisecond); err != nil {
				t.Errorf("repeated auth wait: %v", err)
			}
		})
	}
}

func TestWaitFor_CursorSkipsConsumedLines(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	startBash(t, s, "bind10", `echo "first" >&2; echo "second" >&2; exec sleep 30`, StartOptions{})

	if _, err := s.WaitFor(context.Background(), "bind10", watch.Substrings("second"), 5*time.Second, false); err != nil {
		t.Fatalf("wait second: %v", err)
	}
	_, err := s.WaitFor(context.Background(), "bind10", watch.Substrings("first"), 100*time.Millisecond, false)
	if !errors.Is(err, watch.ErrTimeout) {
		t.Errorf("cursor wait for consumed line: err = %v, want ErrTimeout", err)
	}
	if _, err := s.WaitFor(context.Background(), "bind10", watch.Substrings("first"), time.Second, true); err != nil {
		t.Errorf("fromStart wait: %v", err)
	}
}

func TestStop_MidWait(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	startBash(t, s, "bind10", "sleep 30", StartOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.WaitFor(context.Background(), "bind10", watch.Substrings("never"), 30*time.Second, false)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := s.Stop("bind10"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, watch.ErrProcessTerminated) {
			t.Errorf("err = %v, want ErrProcessTerminated", err)
		}
		if !errors.Is(err, process.ErrStopped) {
			t.Errorf("err = %v, want cause ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait still outstanding 5s after Stop")
	}

	if _, err := s.Lookup("bind10"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("stopped process still registered: %v", err)
	}
}

func TestWaitFor_RecordsOutcomes(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{}, prometheus.NewRegistry())
	ws := stats.NewWaitStats()
	s := newTestSupervisor(t, Config{Collector: collector, Stats: ws})

	startBash(t, s, "srv", `echo ready >&2; sleep 30`, StartOptions{})

	if _, err := s.WaitFor(context.Background(), "srv", watch.Substrings("ready"), 5*time.Second, true); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if _, err := s.WaitFor(context.Background(), "srv", watch.Substrings("never"), 50*time.Millisecond, false); err == nil {
		t.Fatal("expected timeout")
	}

	sum := collector.GenerateSummary()
	if sum.Waits[metrics.OutcomeMatched] != 1 || sum.Waits[metrics.OutcomeTimeout] != 1 {
		t.Errorf("collector waits = %v", sum.Waits)
	}
	snap := ws.Snapshot()
	if len(snap) != 1 || snap[0].Name != "srv" || snap[0].Count != 2 || snap[0].Matched != 1 {
		t.Errorf("wait stats = %+v", snap)
	}
	if sum.Starts != 1 || sum.Lines["stderr"] < 1 {
		t.Errorf("process metrics = %+v", sum)
	}
}

func TestWaitOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, metrics.OutcomeMatched},
		{"timeout", &watch.TimeoutError{}, metrics.OutcomeTimeout},
		{"terminated", &watch.TerminatedError{}, metrics.OutcomeTerminated},
		{"canceled", context.Canceled, metrics.OutcomeCanceled},
		{"deadline", context.DeadlineExceeded, metrics.OutcomeCanceled},
		{"other", watch.ErrNoPatterns, metrics.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := waitOutcome(tt.err); got != tt.want {
				t.Errorf("waitOutcome(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestSendCommand(t *testing.T) {
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{}, prometheus.NewRegistry())
	control := process.NewCommandRunner(writeScript(t, echoClient), 5*time.Second, logging.NewDiscardLogger())
	s := newTestSupervisor(t, Config{Collector: collector, Control: control})

	control.Env = []string{"EXIT_CODE=0"}
	res, err := s.SendCommand(context.Background(), nil, "config set x y", "config commit")
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if res.ExitCode != 0 || !strings.HasSuffix(res.Stdout, "> config set x y\n> config commit\n> quit\n") {
		t.Errorf("result = %+v", res)
	}

	control.Env = []string{"EXIT_CODE=1"}
	res, err = s.SendCommand(context.Background(), nil, "config commit")
	if !errors.Is(err, process.ErrCommandFailed) {
		t.Fatalf("err = %v, want ErrCommandFailed", err)
	}
	var cf *process.CommandFailedError
	if !errors.As(err, &cf) || cf.ExitCode != 1 || res.ExitCode != 1 {
		t.Errorf("CommandFailedError = %+v", cf)
	}

	sum := collector.GenerateSummary()
	if sum.Commands[metrics.CommandOK] != 1 || sum.Commands[metrics.CommandFailed] != 1 {
		t.Errorf("command counts = %v", sum.Commands)
	}
}

func TestSetConfigAndServerCommand(t *testing.T) {
	control := process.NewCommandRunner("unused", 5*time.Second, nil)
	control.Env = []string{"EXIT_CODE=0"}
	s := newTestSupervisor(t, Config{Control: control})
	ctl := profile.Control{BinaryPath: writeScript(t, echoClient), Port: 1234}

	res, err := s.SetConfig(context.Background(), ctl, "Auth/listen_on", "[]")
	if err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	for _, want := range []string{"args: -p 1234", "> config set Auth/listen_on []", "> config commit", "> quit"} {
		if !strings.Contains(res.Stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, res.Stdout)
		}
	}

	res, err = s.SendServerCommand(context.Background(), ctl, "Boss shutdown")
	if err != nil {
		t.Fatalf("SendServerCommand: %v", err)
	}
	if !strings.Contains(res.Stdout, "> Boss shutdown\n> quit\n") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if control.Path != "unused" {
		t.Error("controlFor modified the configured runner")
	}
}

// =============================================================================
// Teardown
// =============================================================================

func TestTeardown(t *testing.T) {
	s := newTestSupervisor(t, Config{StopGrace: 200 * time.Millisecond})

	a := startBash(t, s, "a", "sleep 30", StartOptions{})
	b := startBash(t, s, "b", "sleep 30", StartOptions{})
	stubborn := startBash(t, s, "stubborn", `trap '' TERM; echo ready >&2; sleep 30`, StartOptions{})
	if _, err := s.WaitFor(context.Background(), "stubborn", watch.Substrings("ready"), 5*time.Second, true); err != nil {
		t.Fatalf("WaitFor ready: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Teardown(ctx)
	if !errors.Is(err, process.ErrKilled) {
		t.Errorf("Teardown err = %v, want ErrKilled for the stubborn process", err)
	}

	for _, h := range []*process.Handle{a, b, stubborn} {
		if h.IsRunning() {
			t.Errorf("%s still running after Teardown", h.Name())
		}
	}
	if n := len(s.Handles()); n != 0 {
		t.Errorf("Handles after Teardown = %d", n)
	}

	// Names are free again.
	startBash(t, s, "a", "sleep 30", StartOptions{})
}

func TestTeardown_Empty(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if err := s.Teardown(context.Background()); err != nil {
		t.Errorf("Teardown on empty = %v", err)
	}
}
