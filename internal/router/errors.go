package router

import (
	"errors"
	"fmt"

	"presencehub/pkg/types"
)

var (
	ErrNotRoomMember     = fmt.Errorf("%w: not a member of the room", types.ErrAuthorization)
	ErrForeignUserRoom   = fmt.Errorf("%w: cannot subscribe to another user's room", types.ErrAuthorization)
	ErrNotAuthenticated  = fmt.Errorf("%w: connection is not authenticated", types.ErrAuthentication)
	ErrHandlerPanic      = errors.New("command handler panicked")
	ErrInvalidRateLimit  = errors.New("rate limit must be positive")
	ErrMissingDependency = errors.New("router requires database, presence, registry and broadcaster")
)
