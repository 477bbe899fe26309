package marketdata

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchangecore/connector/coreerr"
)

// Conn is the minimal duplex-frame interface the client drives. It is
// satisfied by *wsConn (backed by gorilla/websocket) and by test doubles.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// Transport opens a Conn to a market-data endpoint. The default
// implementation dials over WebSocket; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context, endpoint string, headers map[string]string) (Conn, error)
}

// WebSocketTransport dials endpoints with github.com/gorilla/websocket,
// the same transport library the example pack's gossip/exchange sessions
// use for their duplex frame channels.
type WebSocketTransport struct {
	HandshakeTimeout time.Duration
}

// NewWebSocketTransport returns a Transport with a sane default handshake
// timeout.
func NewWebSocketTransport(handshakeTimeout time.Duration) *WebSocketTransport {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebSocketTransport{HandshakeTimeout: handshakeTimeout}
}

func (t *WebSocketTransport) Connect(ctx context.Context, endpoint string, headers map[string]string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.HandshakeTimeout,
	}
	hdr := make(map[string][]string, len(headers))
	for k, v := range headers {
		hdr[k] = []string{v}
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, hdr)
	if err != nil {
		return nil, coreerr.TransportError(err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, coreerr.TransportError(err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return coreerr.TransportError(err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
