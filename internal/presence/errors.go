package presence

import "errors"

var (
	ErrInvalidTTL    = errors.New("presence TTL must be greater than 0")
	ErrEmptyPrefix   = errors.New("presence key prefix cannot be empty")
	ErrSweeperPeriod = errors.New("sweep interval must be greater than 0")
)
