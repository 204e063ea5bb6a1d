package ws

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when sending on a connection that is no longer open.
var ErrClosed = errors.New("ws: connection closed")

// Conn wraps a websocket connection. Relay goroutines write to other
// users' sockets, so writes are serialized behind a mutex (gorilla
// permits at most one concurrent writer).
type Conn struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewConn constructs a connection wrapper.
func NewConn(conn *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{conn: conn, log: logger}
}

// Send writes one text frame. A failed write marks the connection
// closed and tears down the socket.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closed = true
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Open reports whether the connection can still be written to. Close
// notification is asynchronous, so a true result may already be stale
// by the time the caller sends; Send handles that race.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close terminates the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
