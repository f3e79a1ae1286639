package watch

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDrain_SplitsLinesAndKeepsTrailingFragment(t *testing.T) {
	w := New("srv", "stderr")
	input := "first\r\nsecond\n\nno newline"

	if err := Drain(strings.NewReader(input), w, nil); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	want := []string{"first", "second", "", "no newline"}
	got := w.Lines()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestDrain_LongLine(t *testing.T) {
	w := New("srv", "stderr")
	long := strings.Repeat("x", 2*1024*1024)

	if err := Drain(strings.NewReader(long+"\nafter\n"), w, nil); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	lines := w.Lines()
	if len(lines) != 2 || len(lines[0]) != len(long) || lines[1] != "after" {
		t.Errorf("got %d lines, first len %d", len(lines), len(lines[0]))
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestDrain_EndOfStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"eof", io.EOF, false},
		{"closed file", os.ErrClosed, false},
		{"closed pipe", io.ErrClosedPipe, false},
		{"other", errors.New("disk on fire"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Drain(errReader{tc.err}, New("srv", "stderr"), nil)
			if (err != nil) != tc.wantErr {
				t.Errorf("Drain err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPipeReader_OSPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer pr.Close()

	w := New("srv", "stderr")
	reader := NewPipeReader(pr, w)
	go reader.Run()

	if _, err := pw.WriteString("hello\nworld\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	pw.Close()

	select {
	case <-reader.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("PipeReader did not finish after writer closed")
	}

	if err := reader.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
	bytesRead, linesRead := reader.Stats()
	if bytesRead != 12 || linesRead != 2 {
		t.Errorf("Stats = (%d, %d), want (12, 2)", bytesRead, linesRead)
	}
	if w.Len() != 2 {
		t.Errorf("watcher has %d lines, want 2", w.Len())
	}
}

func TestPipeReader_ReadEndClosedByOwner(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer pw.Close()

	reader := NewPipeReader(pr, New("srv", "stderr"))
	go reader.Run()

	time.Sleep(10 * time.Millisecond)
	pr.Close()

	select {
	case <-reader.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("PipeReader did not stop after read end was closed")
	}
	if err := reader.Err(); err != nil {
		t.Errorf("Err = %v, closing the pipe is a normal end", err)
	}
}
