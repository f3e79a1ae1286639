package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn is matched by every *SpawnError.
	ErrSpawn = errors.New("spawn failed")

	// ErrCommandFailed is matched by every *CommandFailedError.
	ErrCommandFailed = errors.New("command failed")

	// ErrStopped is the cause attached to streams of a process ended by Stop.
	ErrStopped = errors.New("stopped")
)

// SpawnError reports a process that could not be created.
type SpawnError struct {
	Name string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%v: %s (%s): %v", ErrSpawn, e.Name, e.Path, e.Err)
}

func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError is the cause attached to streams of a process that ended on its own.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

// CommandFailedError reports a control client that exited non-zero.
// Stdout and Stderr are kept verbatim.
type CommandFailedError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit code %d", strings.Join(e.Args, " "), e.ExitCode)
	b.WriteString("\nstdout:\n")
	b.WriteString(e.Stdout)
	b.WriteString("\nstderr:\n")
	b.WriteString(e.Stderr)
	return b.String()
}

func (e *CommandFailedError) Is(target error) bool {
	return target == ErrCommandFailed
}
