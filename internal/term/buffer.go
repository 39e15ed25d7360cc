package term

import (
	"fmt"
	"sync"
)

// DefaultScrollback is the per-session scrollback cap in bytes.
const DefaultScrollback = 256 * 1024

// Buffer is the virtual terminal buffer behind one session: a bounded
// scrollback of raw process output, safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	max    int
	closed bool
}

func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultScrollback
	}
	return &Buffer{max: max}
}

func (b *Buffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.data = append(b.data, p...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
	}
}

// WriteEpilogue appends the end-of-process trailer shown when the backing
// process exits.
func (b *Buffer) WriteEpilogue(code int) {
	b.Write([]byte(fmt.Sprintf("\r\n[process exited with code %d]\r\n", code)))
}

func (b *Buffer) Contents() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Close stops accepting writes. Late pump callbacks from an already-dead
// process land here harmlessly.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.data = nil
	b.mu.Unlock()
}
