package driver

import (
	"strings"
	"sync"
)

// DefaultCaptureLimit bounds how much driver stderr is kept for inclusion in
// a result message.
const DefaultCaptureLimit = 2<<20 - 16

const truncationMarker = "\n...(truncated)"

// Capture is a thread-safe bounded buffer for driver stderr. It implements
// io.Writer so it can be handed to the child process directly; writes past
// the limit are dropped and the contents gain a trailing truncation marker.
type Capture struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

// NewCapture creates a capture buffer holding at most limit bytes.
// A limit <= 0 selects DefaultCaptureLimit.
func NewCapture(limit int) *Capture {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &Capture{limit: limit}
}

// Write implements io.Writer. It never reports an error so the child's
// stderr stream is drained even after the limit is reached.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// String returns the captured output, with the truncation marker appended
// when writes were dropped.
func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}

// Len reports how many bytes are retained (marker excluded).
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Truncated reports whether any output was dropped.
func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// FirstLines returns at most n leading lines of the captured output.
func (c *Capture) FirstLines(n int) string {
	c.mu.Lock()
	s := c.buf.String()
	c.mu.Unlock()

	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
