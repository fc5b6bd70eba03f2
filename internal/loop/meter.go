package loop

import (
	"bytes"
	"io"
	"sync"
)

var nl = []byte{'\n'}

// OutputMeter wraps the live agent output stream, counting bytes and lines
// as they pass through. With a nil target the stream is swallowed and only
// counted (quiet mode); with a target it tees through (verbose mode).
type OutputMeter struct {
	mu       sync.Mutex
	w        io.Writer
	bytes    int64
	newlines int
	partial  bool
}

// NewOutputMeter returns a meter forwarding to w. A nil w only counts.
func NewOutputMeter(w io.Writer) *OutputMeter {
	return &OutputMeter{w: w}
}

// Write implements io.Writer.
func (m *OutputMeter) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.bytes += int64(len(p))
	m.newlines += bytes.Count(p, nl)
	if len(p) > 0 {
		m.partial = p[len(p)-1] != '\n'
	}
	m.mu.Unlock()

	if m.w == nil {
		return len(p), nil
	}
	return m.w.Write(p)
}

// Bytes returns the number of bytes written so far.
func (m *OutputMeter) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Lines returns the number of lines written so far. An unterminated
// trailing line counts.
func (m *OutputMeter) Lines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partial {
		return m.newlines + 1
	}
	return m.newlines
}
