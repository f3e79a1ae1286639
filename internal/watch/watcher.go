// Package watch buffers the output streams of child processes and lets
// callers block until a line matching one of several patterns shows up.
//
// A Watcher is fed by exactly one producer (the drain goroutine for a pipe)
// and read by any number of waiters. The buffer is append-only and
// unbounded, so the producer never blocks on a slow or absent waiter and the
// child process never stalls writing to its stdio.
//
// Waiters never consume the stream directly. Each wake-up re-scans every
// line appended since the waiter last looked, which closes the window where
// a line is flushed while a wait is being armed.
package watch

import (
	"context"
	"sync"
	"time"
)

// Match describes the line that satisfied a wait.
type Match struct {
	// Pattern is the matcher that won.
	Pattern Matcher
	// Index is the position of Pattern in the caller's pattern list.
	Index int
	// Line is the matched text.
	Line string
	// LineNo is the 0-based position of Line in the buffer.
	LineNo int
}

// Stats is a snapshot of a watcher's counters.
type Stats struct {
	Lines  int
	Bytes  int64
	Cursor int
	Closed bool
}

// Watcher is the line buffer for one output stream of one process.
type Watcher struct {
	name   string
	stream string

	mu     sync.Mutex
	lines  []string
	bytes  int64
	cursor int

	// notify is closed and replaced on every append and on Close.
	notify chan struct{}
	closed bool
	cause  error

	observers []func(line string)
}

// New creates an empty watcher. name and stream only label errors and logs.
func New(name, stream string) *Watcher {
	return &Watcher{
		name:   name,
		stream: stream,
		notify: make(chan struct{}),
	}
}

// Name returns the process name this watcher belongs to.
func (w *Watcher) Name() string {
	return w.name
}

// Stream returns the stream label ("stderr" or "stdout").
func (w *Watcher) Stream() string {
	return w.stream
}

// Observe registers fn to be called with every line appended from now on.
// Observers run on the producer goroutine, in order, outside the buffer lock.
// Must be called before the producer starts.
func (w *Watcher) Observe(fn func(line string)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

// Append adds one line to the buffer and wakes all waiters.
// Lines appended after Close are discarded.
func (w *Watcher) Append(line string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.lines = append(w.lines, line)
	w.bytes += int64(len(line)) + 1
	w.wakeLocked()
	observers := w.observers
	w.mu.Unlock()

	for _, fn := range observers {
		fn(line)
	}
}

// Close marks the stream finished. Buffered lines stay matchable; waits that
// find no match in them fail with a *TerminatedError carrying cause.
// Only the first call has an effect.
func (w *Watcher) Close(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cause = cause
	w.wakeLocked()
}

func (w *Watcher) wakeLocked() {
	close(w.notify)
	w.notify = make(chan struct{})
}

// WaitFor blocks until a buffered line matches one of patterns.
//
// With fromStart the scan begins at the first buffered line ("has this
// already happened"); otherwise it begins at the shared cursor ("wait for
// this to happen next"). The earliest matching line wins; if several
// patterns match that line, the one listed first wins. A match moves the
// shared cursor past the matched line.
//
// A timeout <= 0 checks the buffer once without waiting.
func (w *Watcher) WaitFor(ctx context.Context, patterns []Matcher, timeout time.Duration, fromStart bool) (Match, error) {
	if len(patterns) == 0 {
		return Match{}, ErrNoPatterns
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	w.mu.Lock()
	pos := w.cursor
	if fromStart {
		pos = 0
	}

	for {
		// Lines before pos have already been checked against patterns.
		if m, ok := w.scanLocked(patterns, pos); ok {
			w.mu.Unlock()
			return m, nil
		}
		pos = len(w.lines)

		if w.closed {
			err := w.terminatedLocked()
			w.mu.Unlock()
			return Match{}, err
		}
		if deadline == nil {
			err := w.timeoutLocked(patterns, timeout)
			w.mu.Unlock()
			return Match{}, err
		}

		notify := w.notify
		w.mu.Unlock()

		select {
		case <-notify:
		case <-deadline:
			w.mu.Lock()
			if m, ok := w.scanLocked(patterns, pos); ok {
				w.mu.Unlock()
				return m, nil
			}
			err := w.timeoutLocked(patterns, timeout)
			w.mu.Unlock()
			return Match{}, err
		case <-ctx.Done():
			return Match{}, ctx.Err()
		}

		w.mu.Lock()
	}
}

// scanLocked looks for the first match at or after pos and advances the
// cursor when one is found.
func (w *Watcher) scanLocked(patterns []Matcher, pos int) (Match, bool) {
	for i := pos; i < len(w.lines); i++ {
		line := w.lines[i]
		for idx, p := range patterns {
			if !p.Match(line) {
				continue
			}
			if i+1 > w.cursor {
				w.cursor = i + 1
			}
			return Match{Pattern: p, Index: idx, Line: line, LineNo: i}, true
		}
	}
	return Match{}, false
}

func (w *Watcher) lastLocked() (string, bool) {
	if len(w.lines) == 0 {
		return "", false
	}
	return w.lines[len(w.lines)-1], true
}

func (w *Watcher) timeoutLocked(patterns []Matcher, timeout time.Duration) error {
	last, ok := w.lastLocked()
	return &TimeoutError{
		Name:     w.name,
		Stream:   w.stream,
		Patterns: patternNames(patterns),
		Timeout:  timeout,
		LastLine: last,
		HasLast:  ok,
	}
}

func (w *Watcher) terminatedLocked() error {
	last, ok := w.lastLocked()
	return &TerminatedError{
		Name:     w.name,
		Stream:   w.stream,
		Cause:    w.cause,
		LastLine: last,
		HasLast:  ok,
	}
}

// Lines returns a copy of every buffered line.
func (w *Watcher) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}

// Tail returns up to n of the most recent lines, oldest first.
// It returns nil for n <= 0.
func (w *Watcher) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > len(w.lines) {
		n = len(w.lines)
	}
	out := make([]string, n)
	copy(out, w.lines[len(w.lines)-n:])
	return out
}

// Len returns the number of buffered lines.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lines)
}

// Cursor returns the shared read position used by non-fromStart waits.
func (w *Watcher) Cursor() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// LastLine returns the most recently appended line.
func (w *Watcher) LastLine() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastLocked()
}

// Closed reports whether Close has been called.
func (w *Watcher) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Lines:  len(w.lines),
		Bytes:  w.bytes,
		Cursor: w.cursor,
		Closed: w.closed,
	}
}
