package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single event write. Lifecycle events are small
// and frequent; a watcher that cannot drain one in this window is gone.
const writeTimeout = 5 * time.Second

// Client wraps one subscriber connection on an environment's event stream.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event payload, closing the connection on failure so
// the hub drops the dead subscriber.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
