package router

import "github.com/lingocast/lingocast/internal/protocol"

// Role tags a connection at handshake time.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleListener Role = "listener"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RoleListener
}

// Client is the router's view of one WebSocket connection. The connection
// supervisor implements it; the router never touches a socket directly.
type Client interface {
	// ID returns the connection's unique identifier.
	ID() string

	// Send enqueues a frame onto the connection's outbound queue. It reports
	// false when the queue is full or the connection is gone; the caller then
	// treats the connection as dead.
	Send(f protocol.Frame) bool

	// Kick closes the connection with a reason. Idempotent.
	Kick(reason string)
}
