package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of output lines. The
// supervisor keeps the agent's most recent stderr in one so an abnormal exit
// can be reported with context.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []string
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity (minimum 1).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]string, capacity),
		capacity: capacity,
	}
}

// Write adds a line, overwriting the oldest one when full.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = line
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len returns the number of lines held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns the held lines oldest first.
func (rb *RingBuffer) ReadAll() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]string, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]string, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
