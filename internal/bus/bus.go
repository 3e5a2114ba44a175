// Package bus propagates state updates between sibling engine instances so
// that independent polling loops converge on the same observed state. It
// models the browser's same-origin broadcast channel: a sender's message is
// delivered to every other connection, never echoed back to itself.
package bus

import (
	"sync"

	"boorusync/internal/model"
)

// Hub is one named broadcast channel.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

// Conn is one instance's attachment to the hub.
type Conn struct {
	hub     *Hub
	handler func(model.Message)
}

// Connect attaches a message handler and returns the connection used to
// post. The handler runs synchronously on the sender's goroutine and must
// not re-broadcast the message it receives.
func (h *Hub) Connect(handler func(model.Message)) *Conn {
	c := &Conn{hub: h, handler: handler}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Post delivers msg to every other connection on the hub.
func (c *Conn) Post(msg model.Message) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for other := range c.hub.conns {
		if other == c {
			continue
		}
		other.handler(msg)
	}
}

// Close detaches the connection.
func (c *Conn) Close() {
	c.hub.mu.Lock()
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()
}
