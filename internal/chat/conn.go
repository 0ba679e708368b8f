// Package chat provides the core chat domain: the client-side message log
// and the relay-side hub shared by all relay connections.
package chat

import (
	"context"

	"github.com/omochice/echochat/pkg/protocol"
)

// Conn abstracts a bidirectional frame connection on the relay side.
// This interface isolates the websocket library from hub logic.
type Conn interface {
	// Read reads a single data frame.
	// Returns an error once the connection is closed.
	Read(ctx context.Context) (protocol.Frame, error)

	// Write sends a single data frame.
	Write(ctx context.Context, f protocol.Frame) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
