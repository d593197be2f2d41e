// Package transport provides the duplex message channel to the ECU bus.
//
// The dispatcher owns connection lifecycle policy (reconnect, backoff); this
// package only knows how to open one websocket, pump frames, and report when
// the peer goes away.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when there is no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned by Receive when the connection has gone away,
// either because the peer closed it or because Close was called locally.
var ErrClosed = errors.New("transport: closed")

// Transport is a reliable duplex frame channel.
type Transport interface {
	// Connect establishes the connection. It replaces any previous one.
	Connect(ctx context.Context) error

	// Receive blocks until the next inbound frame arrives. It returns
	// ErrClosed once the connection is gone; callers should then reconnect.
	Receive() ([]byte, error)

	// Send writes one frame. Returns ErrNotConnected without a live
	// connection. Safe for concurrent use.
	Send(frame []byte) error

	// Close tears down the current connection. Idempotent.
	Close() error

	// Connected reports whether a live connection exists.
	Connected() bool
}
