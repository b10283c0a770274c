package client

import (
	"errors"
	"fmt"

	"presencehub/pkg/types"
)

var (
	ErrClosed        = errors.New("client manager is closed")
	ErrNotConnected  = errors.New("client is not connected")
	ErrMissingURL    = errors.New("gateway URL is required")
	ErrMissingToken  = errors.New("token source is required")
	ErrAckTimeout    = fmt.Errorf("acknowledgment not received: %w", types.ErrConnectionTimeout)
	ErrDisconnected  = errors.New("connection lost before acknowledgment")
	ErrBadHandshake  = errors.New("gateway did not send a connected event")
	ErrConnectFailed = errors.New("connection attempt failed")
)

// ErrConnectionTimeout is returned by AwaitReady when no connection is
// established in time. It matches types.ErrConnectionTimeout.
var ErrConnectionTimeout = fmt.Errorf("await ready: %w", types.ErrConnectionTimeout)

// CommandError is a negative acknowledgment from the gateway. It matches the
// shared error taxonomy through errors.Is.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CommandError) Is(target error) bool {
	switch e.Code {
	case types.CodeUnauthenticated:
		return target == types.ErrAuthentication
	case types.CodeForbidden:
		return target == types.ErrAuthorization
	case types.CodeInvalidPayload:
		return target == types.ErrValidation
	case types.CodeNotFound:
		return target == types.ErrNotFound
	case types.CodeRateLimited:
		return target == types.ErrRateLimited
	case types.CodeRecipientOffline:
		return target == types.ErrRecipientOffline
	case types.CodeUnavailable:
		return target == types.ErrStoreUnavailable
	case types.CodeTimeout:
		return target == types.ErrConnectionTimeout
	default:
		return false
	}
}

func commandError(p *types.ErrorPayload) error {
	if p == nil {
		return &CommandError{Code: types.CodeInternal, Message: "command failed"}
	}
	return &CommandError{Code: p.Code, Message: p.Message}
}
