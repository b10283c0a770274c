package interfaces

import "errors"

// ErrNilConnection is returned when a nil Connection is passed in
var ErrNilConnection = errors.New("connection cannot be nil")
