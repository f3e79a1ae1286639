package watch

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out waiting for output")

	// ErrProcessTerminated is returned when the stream ends while a wait is outstanding.
	ErrProcessTerminated = errors.New("process terminated")

	// ErrNoPatterns is returned by WaitFor when called without patterns.
	ErrNoPatterns = errors.New("no patterns to wait for")
)

// TimeoutError reports a wait that ran out of time.
// LastLine is the most recent line buffered on the stream, if any.
type TimeoutError struct {
	Name     string
	Stream   string
	Patterns []string
	Timeout  time.Duration
	LastLine string
	HasLast  bool
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s %s: no line matching [%s] within %v",
		e.Name, e.Stream, strings.Join(e.Patterns, ", "), e.Timeout)
	if e.HasLast {
		return msg + fmt.Sprintf(" (last line: %q)", e.LastLine)
	}
	return msg + " (no output)"
}

// Is makes errors.Is(err, ErrTimeout) succeed.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TerminatedError reports a wait cut short by the end of the stream.
type TerminatedError struct {
	Name     string
	Stream   string
	Cause    error
	LastLine string
	HasLast  bool
}

func (e *TerminatedError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Name, e.Stream, ErrProcessTerminated)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.HasLast {
		msg += fmt.Sprintf(" (last line: %q)", e.LastLine)
	}
	return msg
}

// Is makes errors.Is(err, ErrProcessTerminated) succeed.
func (e *TerminatedError) Is(target error) bool {
	return target == ErrProcessTerminated
}

func (e *TerminatedError) Unwrap() error {
	return e.Cause
}
