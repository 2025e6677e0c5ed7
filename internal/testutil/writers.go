package testutil

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// RecordingWriter is a goroutine-safe buffer that counts flushes. It
// implements http.Flusher.
type RecordingWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushes int
}

// Write implements io.Writer.
func (w *RecordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Flush implements http.Flusher.
func (w *RecordingWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

// Bytes returns a copy of everything written.
func (w *RecordingWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

// String returns everything written.
func (w *RecordingWriter) String() string { return string(w.Bytes()) }

// Flushes returns the number of Flush calls.
func (w *RecordingWriter) Flushes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

// SlowWriter delays every write by Delay before recording it.
type SlowWriter struct {
	RecordingWriter
	Delay time.Duration
}

// Write implements io.Writer.
func (w *SlowWriter) Write(p []byte) (int, error) {
	time.Sleep(w.Delay)
	return w.RecordingWriter.Write(p)
}

// ErrBrokenPipe is returned by FailingWriter.
var ErrBrokenPipe = errors.New("broken pipe")

// FailingWriter accepts After writes and fails every write after that.
type FailingWriter struct {
	RecordingWriter
	After int

	mu     sync.Mutex
	writes int
}

// Write implements io.Writer.
func (w *FailingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n > w.After {
		return 0, ErrBrokenPipe
	}
	return w.RecordingWriter.Write(p)
}
