package harness

import (
	"context"
	"time"

	"github.com/randomizedcoder/go-procharness/internal/process"
	"github.com/randomizedcoder/go-procharness/internal/profile"
	"github.com/randomizedcoder/go-procharness/internal/watch"
)

// ServerStartup returns the startup patterns for p: the startup-complete
// message on success, the startup-error message on failure.
func ServerStartup(p profile.Server) *Startup {
	return &Startup{
		Success: watch.Substrings(profile.MsgStartupComplete),
		Failure: watch.Substrings(profile.MsgStartupError),
		Timeout: p.StartupTimeout,
	}
}

// StartServer starts the server described by p and blocks until it reports
// startup complete or startup error.
func (s *Supervisor) StartServer(ctx context.Context, p profile.Server) (*process.Handle, error) {
	return s.StartNamed(ctx, p.ProcessName(), p.BinaryPath, p.BuildArgs(), StartOptions{
		Startup: ServerStartup(p),
	})
}

// WaitForComponent waits for msg on the named server's stderr. The scan
// starts at the first buffered line, so a component that came up before
// startup completed still counts.
func (s *Supervisor) WaitForComponent(ctx context.Context, name, msg string, timeout time.Duration) (watch.Match, error) {
	return s.WaitFor(ctx, name, watch.Substrings(msg), timeout, true)
}

// HaveServerRunning starts p and waits for its auth server to come up.
func (s *Supervisor) HaveServerRunning(ctx context.Context, p profile.Server) (*process.Handle, error) {
	h, err := s.StartServer(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := s.WaitForComponent(ctx, h.Name(), profile.MsgAuthStarted, p.StartupTimeout); err != nil {
		return nil, err
	}
	return h, nil
}

// SetConfig sets and commits one configuration value through ctl.
func (s *Supervisor) SetConfig(ctx context.Context, ctl profile.Control, name, value string) (process.CommandResult, error) {
	return s.runCommand(ctx, s.controlFor(ctl), ctl.Args(), profile.SetConfigScript(name, value))
}

// SendServerCommand sends one command through ctl.
func (s *Supervisor) SendServerCommand(ctx context.Context, ctl profile.Control, command string) (process.CommandResult, error) {
	return s.runCommand(ctx, s.controlFor(ctl), ctl.Args(), []string{command})
}

// controlFor returns a copy of the configured runner pointed at ctl's binary.
func (s *Supervisor) controlFor(ctl profile.Control) *process.CommandRunner {
	r := *s.control
	if ctl.BinaryPath != "" {
		r.Path = ctl.BinaryPath
	}
	if r.Logger == nil {
		r.Logger = s.logger
	}
	return &r
}
