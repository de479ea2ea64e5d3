package termserver

import (
	"sync"
)

// defaultScrollbackSize caps scrollback when no size is configured (256 KB).
const defaultScrollbackSize = 256 * 1024

// Scrollback is a thread-safe byte buffer holding the most recent terminal
// output. It is replayed to a client that attaches to a running session so
// the terminal does not come up blank. When the buffer exceeds max, the
// oldest bytes are dropped.
type Scrollback struct {
	mu   sync.Mutex
	data []byte
	max  int
}

// NewScrollback creates a scrollback buffer holding at most max bytes.
// If max <= 0, defaultScrollbackSize is used.
func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = defaultScrollbackSize
	}
	return &Scrollback{max: max}
}

// Write appends output, discarding the oldest bytes once the buffer is full.
func (b *Scrollback) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return
	}
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		// Copy down instead of reslicing so the backing array does not
		// pin every byte the session ever produced.
		n := copy(b.data, b.data[len(b.data)-b.max:])
		b.data = b.data[:n]
	}
}

// Snapshot returns a copy of the buffered output.
func (b *Scrollback) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *Scrollback) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
