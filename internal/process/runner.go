package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// QuitCommand ends a control-client session.
const QuitCommand = "quit"

// CommandResult captures the outcome of one control-client run.
type CommandResult struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner runs a short-lived control client, feeds it a script on
// stdin and collects its output. It holds no per-run state.
type CommandRunner struct {
	// Path is the client executable.
	Path string

	// Dir is the working directory; empty means the parent's.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	// Timeout bounds a single run; 0 means only the caller's context applies.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewCommandRunner creates a runner for the client at path.
func NewCommandRunner(path string, timeout time.Duration, logger *slog.Logger) *CommandRunner {
	return &CommandRunner{
		Path:    path,
		Timeout: timeout,
		Logger:  logger,
	}
}

// Script returns commands followed by the quit terminator, unless the last
// command already is one.
func Script(commands ...string) []string {
	out := make([]string, 0, len(commands)+1)
	out = append(out, commands...)
	if len(out) == 0 || out[len(out)-1] != QuitCommand {
		out = append(out, QuitCommand)
	}
	return out
}

// Run spawns the client with args, writes each input line followed by a
// newline, closes stdin and waits for exit. Both output streams are drained
// while input is still being written, so a chatty client can never block
// on a full pipe while we block on its stdin.
//
// A non-zero exit returns the result together with a *CommandFailedError.
func (r *CommandRunner) Run(ctx context.Context, args []string, input []string) (CommandResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	argv := append([]string{r.Path}, args...)
	result := CommandResult{Args: argv}

	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	// Bounds Wait if something the client forked keeps its pipes open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return result, &SpawnError{Name: "command", Path: r.Path, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("command_spawn_failed", "path", r.Path, "error", err)
		return result, &SpawnError{Name: "command", Path: r.Path, Err: err}
	}

	writeDone := make(chan error, 1)
	go func() {
		defer stdin.Close()
		for _, line := range input {
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				writeDone <- err
				return
			}
		}
		writeDone <- nil
	}()

	waitErr := cmd.Wait()
	if werr := <-writeDone; werr != nil {
		// The client may legitimately exit before reading everything.
		logger.Debug("command_input_truncated", "path", r.Path, "error", werr)
	}

	result.Duration = time.Since(start)
	result.ExitCode = extractExitCode(waitErr)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("command_timed_out",
			"args", argv,
			"duration", result.Duration.String(),
		)
		return result, fmt.Errorf("%v: %w", argv, ctxErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return result, fmt.Errorf("%v: %w", argv, waitErr)
	}

	if result.ExitCode != 0 {
		logger.Warn("command_failed",
			"args", argv,
			"exit_code", result.ExitCode,
			"stdout", result.Stdout,
			"stderr", result.Stderr,
		)
		return result, &CommandFailedError{
			Args:     argv,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}

	logger.Info("command_completed",
		"args", argv,
		"lines", len(input),
		"duration", result.Duration.String(),
	)
	return result, nil
}
