// ABOUTME: WebSocket-backed session channel used for hub-to-session delivery.
// ABOUTME: Serializes writes and encodes messages with the wire codec.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/loom/internal/wire"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// Channel wraps one WebSocket connection as a session channel. Writes
// are serialized; reads happen only in the owning server's read loop.
type Channel struct {
	conn      *websocket.Conn
	sessionID string
	domain    string

	mu sync.Mutex // serializes writes
}

// NewChannel wraps an accepted connection.
func NewChannel(conn *websocket.Conn, sessionID, domain string) *Channel {
	return &Channel{
		conn:      conn,
		sessionID: sessionID,
		domain:    domain,
	}
}

// SessionID returns the hub-assigned session identifier.
func (c *Channel) SessionID() string { return c.sessionID }

// Domain returns the canonical domain this session registered under.
func (c *Channel) Domain() string { return c.domain }

// Send encodes and writes one message to the session.
func (c *Channel) Send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying connection with a normal closure status.
func (c *Channel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
