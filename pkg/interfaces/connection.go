package interfaces

// ConnectionState is the gateway-level state of one real-time connection.
// Room membership is tracked separately and is not a gateway state.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection represents one real-time client connection
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources. Closing is terminal.
	Close() error

	// ID returns the unique connection identifier
	ID() string

	// UserID returns the authenticated user's ID, empty before authentication
	UserID() string

	// State returns the current lifecycle state
	State() ConnectionState

	// IsAuthenticated returns true if connection is authenticated and not closed
	IsAuthenticated() bool
}
