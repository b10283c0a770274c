package auth

import (
	"errors"
	"fmt"

	"presencehub/pkg/types"
)

var (
	ErrEmptySecret   = errors.New("auth secret cannot be empty")
	ErrEmptyJWKSURL  = errors.New("JWKS URL cannot be empty")
	ErrMissingToken  = fmt.Errorf("%w: missing bearer token", types.ErrAuthentication)
	ErrInvalidToken  = fmt.Errorf("%w: invalid token", types.ErrAuthentication)
	ErrInvalidUserID = fmt.Errorf("%w: token subject is not a valid user ID", types.ErrAuthentication)
)
