package interfaces

import (
	"context"

	"presencehub/pkg/types"
)

// RoomRegistry tracks room membership for the connections of one gateway process.
type RoomRegistry interface {
	Join(conn Connection, room string) error
	Leave(conn Connection, room string)
	IsMember(conn Connection, room string) bool
	RoomConnections(rooms ...string) []Connection
	UserConnections(userID string) []Connection

	// EvictRoom removes every member of room for which keep returns false
	// and returns the removed connections.
	EvictRoom(room string, keep func(Connection) bool) []Connection
}

// Broadcaster fans events out to room subscribers.
type Broadcaster interface {
	// Broadcast delivers env to every member of rooms, once per connection,
	// skipping the connection whose ID equals exceptConnID (if non-empty).
	Broadcast(ctx context.Context, env *types.Envelope, exceptConnID string, rooms ...string) error

	// Revoke delivers env to every member of rooms not owned by keepUserID
	// and then evicts those members from evictRoom. Later broadcasts to
	// evictRoom no longer reach them.
	Revoke(ctx context.Context, env *types.Envelope, keepUserID, evictRoom string, rooms ...string) error

	// SendTo delivers env to one connection only.
	SendTo(conn Connection, env *types.Envelope) error
}

// CommandDispatcher applies inbound commands for authenticated connections.
type CommandDispatcher interface {
	Connected(ctx context.Context, conn Connection)
	Dispatch(ctx context.Context, conn Connection, cmd *types.Command)
	Heartbeat(ctx context.Context, conn Connection)
	Disconnected(ctx context.Context, conn Connection)
}
