package bridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the narrow surface the bridge needs from a websocket
// connection. Exposing IsOpen explicitly means the bridge never has to
// probe gorilla/websocket's internal connection state, and lets tests
// substitute an in-memory fake instead of a real socket.
type Transport interface {
	IsOpen() bool
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *wsTransport) WriteJSON(v any) error {
	if !t.IsOpen() {
		return websocket.ErrCloseSent
	}
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// Dialer opens a Transport to the control plane. Exposed as a field on
// Bridge so tests substitute an in-memory implementation.
type Dialer func(ctx context.Context, url string, header http.Header) (Transport, error)

func defaultDialer(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWSTransport(conn), nil
}
