package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a live duplex connection to the feed provider.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Transport dials the provider. It exists so the manager can be exercised in
// tests without a real websocket endpoint.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsTransport is the production transport backed by gorilla/websocket.
type wsTransport struct {
	writeTimeout time.Duration
}

// NewWebsocketTransport returns the production websocket transport.
func NewWebsocketTransport(writeTimeout time.Duration) Transport {
	return &wsTransport{writeTimeout: writeTimeout}
}

func (t *wsTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn, writeTimeout: t.writeTimeout}, nil
}

// wsConn serializes writes: the read loop replies to pings while the health
// monitor sends keepalives, and gorilla permits only one concurrent writer.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
