package session

import "sync"

// RingBuffer keeps the most recent terminal output of a session so clients
// that connect late can replay it.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes. A zero
// capacity disables it.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes once full.
func (rb *RingBuffer) Write(p []byte) {
	if rb.capacity == 0 || len(p) == 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.capacity {
		copy(rb.buf, p[len(p)-rb.capacity:])
		rb.pos = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.pos:], p)
	if n < len(p) {
		rb.pos = copy(rb.buf, p[n:])
		rb.full = true
		return
	}
	rb.pos += n
	if rb.pos == rb.capacity {
		rb.pos = 0
		rb.full = true
	}
}

// ReadAll returns the buffered bytes in the order they were written.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]byte, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
