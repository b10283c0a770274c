package types

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component. Components wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("not authorized for this resource")
	ErrValidation        = errors.New("validation failed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrConnectionTimeout = errors.New("connection not ready before timeout")
	ErrNotFound          = errors.New("resource not found")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrRecipientOffline  = errors.New("recipient is offline")
)

// Payload-level validation errors. All of them wrap ErrValidation.
var (
	ErrEmptyPayload      = wrapValidation("payload is required")
	ErrMalformedPayload  = wrapValidation("payload is not valid JSON for this command")
	ErrUnknownCommand    = wrapValidation("unknown command type")
	ErrInvalidUserID     = wrapValidation("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidID         = wrapValidation("resource ID must be positive")
	ErrInvalidTitle      = wrapValidation("title must be 1-200 characters")
	ErrInvalidBody       = wrapValidation("body must be 1-10000 characters")
	ErrInvalidVisibility = wrapValidation("visibility must be public or private")
	ErrInvalidVote       = wrapValidation("vote value must be -1, 0 or 1")
	ErrInvalidRoom       = wrapValidation("room must be post:<id>, user:<id>, feed or presence")
)

// Wire error codes carried in ErrorPayload.Code
const (
	CodeUnauthenticated  = "unauthenticated"
	CodeForbidden        = "forbidden"
	CodeInvalidPayload   = "invalid_payload"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
	CodeRecipientOffline = "recipient_offline"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal"
)

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return ErrValidation }

func wrapValidation(msg string) error {
	return &validationError{msg: msg}
}

// ClassifyError maps an internal error onto a wire code and a fixed,
// user-safe message. The internal error text is never part of the result.
func ClassifyError(err error) *ErrorPayload {
	var vErr *validationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &vErr):
		return &ErrorPayload{Code: CodeInvalidPayload, Message: vErr.msg}
	case errors.Is(err, ErrAuthentication):
		return &ErrorPayload{Code: CodeUnauthenticated, Message: "Please sign in again."}
	case errors.Is(err, ErrAuthorization):
		return &ErrorPayload{Code: CodeForbidden, Message: "You are not allowed to do that."}
	case errors.Is(err, ErrNotFound):
		return &ErrorPayload{Code: CodeNotFound, Message: "That item no longer exists."}
	case errors.Is(err, ErrValidation):
		return &ErrorPayload{Code: CodeInvalidPayload, Message: "The request was not valid."}
	case errors.Is(err, ErrRateLimited):
		return &ErrorPayload{Code: CodeRateLimited, Message: "You're doing that too quickly. Please wait a moment."}
	case errors.Is(err, ErrRecipientOffline):
		return &ErrorPayload{Code: CodeRecipientOffline, Message: "That user is not online right now."}
	case errors.Is(err, ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ErrorPayload{Code: CodeTimeout, Message: "The request timed out."}
	case errors.Is(err, ErrStoreUnavailable):
		return &ErrorPayload{Code: CodeUnavailable, Message: "Service temporarily unavailable. Please try again."}
	default:
		return &ErrorPayload{Code: CodeInternal, Message: "Something went wrong."}
	}
}
