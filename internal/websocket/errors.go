package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrWriteTimeout         = errors.New("write timeout")
	ErrInvalidJSON          = errors.New("invalid JSON data")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrNotRegistered              = errors.New("connection is not registered")
	ErrEmptyRoom                  = errors.New("room cannot be empty")
)

// Handler-related errors
var (
	ErrMissingCredential = errors.New("missing bearer credential")
)
