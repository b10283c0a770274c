package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNoRooms           = errors.New("broadcast needs at least one room")
	ErrNilEnvelope       = errors.New("envelope cannot be nil")
)
