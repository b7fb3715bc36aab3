package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket opening handshake.
const DefaultHandshakeTimeout = 5 * time.Second

const closeWriteWait = time.Second

// WebSocketDialer opens websocket transports with gorilla/websocket.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer constructs a dialer with the given handshake timeout.
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial performs the websocket handshake against endpoint.URL().
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint Endpoint) (Transport, error) {
	target := endpoint.URL()
	if target == "" {
		return nil, errMissingEndpoint
	}
	conn, response, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("connection: dial %s: %w (status %d)", endpoint.RoomID(), err, response.StatusCode)
		}
		return nil, fmt.Errorf("connection: dial %s: %w", endpoint.RoomID(), err)
	}
	return &webSocketTransport{conn: conn}, nil
}

type webSocketTransport struct {
	conn *websocket.Conn
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *webSocketTransport) Close() error {
	deadline := time.Now().Add(closeWriteWait)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// The peer may already be gone; the close frame is best effort.
	_ = t.conn.WriteControl(websocket.CloseMessage, message, deadline)
	return t.conn.Close()
}
