package broadcast

import (
	"errors"
	"sync"

	"agent-bridge/internal/protocol"
)

var (
	// ErrObserverClosed is returned by Send after Close.
	ErrObserverClosed = errors.New("observer closed")
	// ErrObserverFull is returned when a slow consumer has let its buffer fill up.
	ErrObserverFull = errors.New("observer buffer full")
)

// Observer is one connected client of a session's event stream.
// Send must not block.
type Observer interface {
	Send(ev protocol.Event) error
	Close()
}

// ChannelObserver buffers events for a single consumer goroutine, typically an
// HTTP stream writer or a WebSocket write pump.
type ChannelObserver struct {
	mu     sync.Mutex
	ch     chan protocol.Event
	closed bool
}

// NewChannelObserver creates an observer holding up to buffer undelivered events.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelObserver{ch: make(chan protocol.Event, buffer)}
}

// Send queues an event without blocking.
func (o *ChannelObserver) Send(ev protocol.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- ev:
		return nil
	default:
		return ErrObserverFull
	}
}

// Close ends the event channel. Safe to call more than once.
func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Events returns the channel the consumer drains. It is closed when the
// observer is closed, after any buffered events.
func (o *ChannelObserver) Events() <-chan protocol.Event {
	return o.ch
}
