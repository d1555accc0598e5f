package mcpproc

import "sync"

// ringBuffer keeps the most recent bytes written to it, up to a fixed
// capacity. Used to retain a stderr tail for crash diagnostics without
// unbounded growth.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	full bool
	pos  int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size), size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		// Only the last size bytes survive anyway
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}

	written := copy(r.buf[r.pos:], p)
	if written < n {
		copy(r.buf, p[written:])
		r.full = true
	}
	r.pos = (r.pos + n) % r.size
	if r.pos == 0 && written == n && !r.full {
		r.full = true
	}
	return n, nil
}

// String returns the buffered bytes in write order
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return string(r.buf[:r.pos])
	}
	out := make([]byte, 0, r.size)
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return string(out)
}
