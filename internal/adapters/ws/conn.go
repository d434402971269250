// Package ws adapts gorilla/websocket connections to the core's
// ClientConn contract: buffered non-blocking sends, read/write pumps with
// ping/pong liveness, and envelope dispatch into the session manager.
package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bugcanvas/annotsync/internal/core"
)

var (
	ErrBackpressure = errors.New("send buffer full")
	ErrConnClosed   = errors.New("connection closed")
)

// wsConn is adapter-owned; the adapter must Close() it. TrySend stays safe
// after Close so late fan-out from a room never panics.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsConn{conn: conn, send: make(chan core.Frame, buffer)}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}
