package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sinosply/edge/internal/wire"
)

// Conn is one live connection to the chat server.
type Conn interface {
	// Read blocks until the next envelope or a transport error.
	Read() (wire.Envelope, error)
	// Write sends an envelope. Safe for concurrent use.
	Write(env wire.Envelope) error
	Close() error
}

// Transport dials the chat server. Swapped for a fake in tests.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials over a websocket.
type WebsocketTransport struct {
	// HandshakeTimeout bounds the dial. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial implements Transport.
func (t *WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn serializes writes; gorilla websockets allow one concurrent writer.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Read() (wire.Envelope, error) {
	var env wire.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return wire.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) Write(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
