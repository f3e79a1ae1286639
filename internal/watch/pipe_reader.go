package watch

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

// PipeReader drains a process pipe into a Watcher.
//
// Lifecycle:
//
//  1. pr := NewPipeReader(r, w)
//  2. go pr.Run()           // before or right after the child starts
//  3. <-pr.Done()           // EOF, closed pipe or read error
type PipeReader struct {
	reader  io.Reader
	watcher *Watcher
	done    chan struct{}
	err     error

	bytesRead atomic.Int64
	linesRead atomic.Int64
}

// NewPipeReader creates a reader feeding w from r.
// r is typically the parent's read end of an os.Pipe handed to the child.
func NewPipeReader(r io.Reader, w *Watcher) *PipeReader {
	return &PipeReader{
		reader:  r,
		watcher: w,
		done:    make(chan struct{}),
	}
}

// Run reads lines until the pipe ends. It never returns an error for the
// normal end of a stream; unexpected read errors are kept for Err.
func (p *PipeReader) Run() {
	defer close(p.done)
	p.err = Drain(p.reader, p.watcher, func(n int) {
		p.bytesRead.Add(int64(n))
		p.linesRead.Add(1)
	})
}

// Done is closed when Run returns.
func (p *PipeReader) Done() <-chan struct{} {
	return p.done
}

// Err returns the read error that stopped Run, if it was not a normal EOF.
// Only valid after Done is closed.
func (p *PipeReader) Err() error {
	return p.err
}

// Stats returns bytes and lines read so far.
func (p *PipeReader) Stats() (bytesRead, linesRead int64) {
	return p.bytesRead.Load(), p.linesRead.Load()
}

// Drain copies r into w one line at a time until the stream ends.
// A trailing line without a terminator is still appended. onLine, if not
// nil, receives the raw byte count of every line.
//
// Lines are read with bufio.Reader rather than bufio.Scanner so that no
// line is ever rejected for being too long.
func Drain(r io.Reader, w *Watcher, onLine func(n int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := br.ReadString('\n')
		if len(raw) > 0 {
			if onLine != nil {
				onLine(len(raw))
			}
			w.Append(trimEOL(raw))
		}
		if err != nil {
			if isEndOfStream(err) {
				return nil
			}
			return err
		}
	}
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// isEndOfStream reports errors that just mean the writer side is gone.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
