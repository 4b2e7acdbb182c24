package interfaces

import "ticketrelay/pkg/types"

// Connection represents one live client connection.
// Implementations must make Send safe for concurrent use; the WebSocket
// implementation funnels every frame through a single writer goroutine.
type Connection interface {
	// ID returns the session id assigned at connect time.
	ID() string

	// Identity returns the identity resolved during the handshake.
	Identity() types.Identity

	// Send enqueues an outbound {"event","data"} frame. It never blocks on a
	// slow client; a full queue returns ErrSendQueueFull.
	Send(event string, payload interface{}) error

	// Close closes the connection and releases its resources.
	Close() error
}
