// Package transport provides the framed, ordered message channels the
// presence and chat gateways run on. Failures surface as closure of the
// Frames channel; reconnection is left to callers.
package transport

import (
	"context"
	"errors"
	"strconv"
)

// ErrClosed is returned by Send once a connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional channel of text/JSON frames.
type Conn interface {
	// Send delivers one frame. It returns ErrClosed when the connection is
	// no longer open.
	Send(ctx context.Context, frame []byte) error

	// Frames yields inbound frames in delivery order and is closed when the
	// connection fails or is closed.
	Frames() <-chan []byte

	// Open reports whether Send can still succeed.
	Open() bool

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Hub hands out connections to named topics, e.g. one per document. Every
// frame sent on a topic is delivered to all of its connections, the sender
// included.
type Hub interface {
	Join(ctx context.Context, topic string) (Conn, error)
}

// DocumentTopic names the shared presence channel of a document.
func DocumentTopic(documentID int64) string {
	return "presence:doc:" + strconv.FormatInt(documentID, 10)
}
