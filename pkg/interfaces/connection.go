package interfaces

// Connection is a live client handle as seen by the core.
// Implementations must serialize writes; WriteJSON is called from many goroutines.
type Connection interface {
	// WriteJSON queues v for delivery to the client.
	WriteJSON(v interface{}) error

	// Close terminates the connection. Safe to call more than once.
	Close() error

	// ID is the opaque connection handle bound to participants.
	ID() string

	// Role is the role declared on join, empty before join.
	Role() string

	// SetRole records the role declared on join or resync.
	SetRole(role string)
}
