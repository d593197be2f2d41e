package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bhandras/cabin/pkg/logger"
)

// Websocket is a Transport over a single websocket client connection.
type Websocket struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocket creates a websocket transport for the given ws:// URL.
func NewWebsocket(url string) *Websocket {
	return &Websocket{url: url}
}

// Connect dials the bus, replacing any previous connection.
func (w *Websocket) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.mu.Unlock()

	logger.Infof("transport: connected to %s", w.url)
	return nil
}

// Receive blocks for the next inbound frame.
func (w *Websocket) Receive() ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			logger.Warnf("transport: read error: %v", err)
		}
		w.dropConn(conn)
		return nil, ErrClosed
	}
	return data, nil
}

// Send writes one frame as a text message.
func (w *Websocket) Send(frame []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		w.dropConn(conn)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears down the current connection.
func (w *Websocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether a live connection exists.
func (w *Websocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// dropConn forgets conn if it is still current, so Connected flips false as
// soon as the first read or write fails.
func (w *Websocket) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close()
}
