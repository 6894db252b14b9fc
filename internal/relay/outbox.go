package relay

import (
	"context"
	"sync"
)

// Outbox is a bounded FIFO of outbound messages for one subscriber. When full,
// the oldest message is dropped so a slow reader sees recent prices.
type Outbox struct {
	mu      sync.Mutex
	buf     [][]byte
	limit   int
	dropped uint64
	closed  bool
	ready   chan struct{}
}

// NewOutbox creates an outbox holding at most limit messages (minimum 1)
func NewOutbox(limit int) *Outbox {
	if limit < 1 {
		limit = 1
	}
	return &Outbox{limit: limit, ready: make(chan struct{}, 1)}
}

// Push enqueues msg. It reports whether an older message was dropped.
func (o *Outbox) Push(msg []byte) (dropped bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.buf) >= o.limit {
		o.buf[0] = nil
		o.buf = o.buf[1:]
		o.dropped++
		dropped = true
	}
	o.buf = append(o.buf, msg)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a message is available, the outbox is closed, or ctx is
// done. ok is false in the latter two cases.
func (o *Outbox) Pop(ctx context.Context) (msg []byte, ok bool) {
	for {
		o.mu.Lock()
		if len(o.buf) > 0 {
			msg = o.buf[0]
			o.buf[0] = nil
			o.buf = o.buf[1:]
			o.mu.Unlock()
			return msg, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-o.ready:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close stops accepting messages and wakes a blocked Pop
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.buf = nil
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buf)
}

// Dropped returns how many messages were discarded for being oldest in a full outbox
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
