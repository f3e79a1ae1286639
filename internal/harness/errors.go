package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupFailed is matched by every *StartupFailedError.
	ErrStartupFailed = errors.New("startup failed")

	// ErrEmptyName is returned when a process is started without a name.
	ErrEmptyName = errors.New("process name is empty")
)

// StartupFailedError reports a failure pattern that appeared before any
// success pattern.
type StartupFailedError struct {
	Name    string
	Pattern string
	Line    string
}

func (e *StartupFailedError) Error() string {
	return fmt.Sprintf("%s: %v: %s matched %q", e.Name, ErrStartupFailed, e.Pattern, e.Line)
}

// Is makes errors.Is(err, ErrStartupFailed) succeed.
func (e *StartupFailedError) Is(target error) bool {
	return target == ErrStartupFailed
}
