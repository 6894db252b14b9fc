package relay

import (
	"context"

	"github.com/google/uuid"
)

// Conn is a Subscriber backed by a bounded outbox. The transport drains it
// with Next.
type Conn struct {
	id     string
	outbox *Outbox
}

// NewConn creates a connection with a random id and an outbox of queueSize messages
func NewConn(queueSize int) *Conn {
	return &Conn{id: uuid.NewString(), outbox: NewOutbox(queueSize)}
}

// ID returns the connection's unique id
func (c *Conn) ID() string { return c.id }

// Send queues msg, dropping the oldest queued message when full
func (c *Conn) Send(msg []byte) {
	c.outbox.Push(msg)
}

// Next blocks for the next outbound message
func (c *Conn) Next(ctx context.Context) ([]byte, bool) {
	return c.outbox.Pop(ctx)
}

// Dropped returns how many messages this connection lost to backpressure
func (c *Conn) Dropped() uint64 {
	return c.outbox.Dropped()
}

// Shutdown releases a reader blocked in Next
func (c *Conn) Shutdown() {
	c.outbox.Close()
}
