package interfaces

import (
	"context"

	"presencehub/pkg/types"
)

// PresenceStore tracks which users hold at least one live connection.
// Errors wrap types.ErrStoreUnavailable; callers treat them as non-fatal.
type PresenceStore interface {
	// MarkOnline adds connectionID to the user's connection set and returns
	// the number of live connections afterwards.
	MarkOnline(ctx context.Context, userID, connectionID string) (int64, error)

	// MarkOffline removes connectionID and returns the remaining count. Only
	// when it reaches zero is the user's presence removed.
	MarkOffline(ctx context.Context, userID, connectionID string) (int64, error)

	IsOnline(ctx context.Context, userID string) (bool, error)
	ListOnlineUsers(ctx context.Context) ([]string, error)

	// Heartbeat renews connectionID's lease and the user's TTLs if the record
	// still exists, and reports whether it did.
	Heartbeat(ctx context.Context, userID, connectionID string) (bool, error)

	SweepStale(ctx context.Context) (int, error)
	Get(ctx context.Context, userID string) (*types.PresenceRecord, error)
}

// IdentityVerifier turns a bearer credential into a user ID.
type IdentityVerifier interface {
	Verify(ctx context.Context, bearer string) (string, error)
}
