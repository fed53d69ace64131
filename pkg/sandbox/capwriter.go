package sandbox

import (
	"sync"
)

const truncationMarker = "…truncated"

// capWriter buffers up to cap bytes and silently discards the rest, keeping
// the producing process running. Bytes() appends the truncation marker when
// anything was dropped.
type capWriter struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
}

func newCapWriter(capBytes int) *capWriter {
	return &capWriter{cap: capBytes}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.cap - len(w.buf)
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf = append(w.buf, p[:remaining]...)
		w.truncated = true
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *capWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	if w.truncated {
		out = append(out, []byte(truncationMarker)...)
	}
	return out
}
