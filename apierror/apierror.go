// Package apierror defines the typed API errors returned by endpoints and
// hooks, and the error-code maps plugins contribute to the composed
// instance.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error codes. Plugins add their own through apierror.Codes.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeValidation            = "VALIDATION_ERROR"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeInternal              = "INTERNAL_SERVER_ERROR"
	CodeTooManyRequests       = "TOO_MANY_REQUESTS"
	CodeInvalidOrExpiredToken = "INVALID_OR_EXPIRED_TOKEN"
	CodeStateNotFound         = "STATE_NOT_FOUND"
	CodeStateMismatch         = "STATE_MISMATCH"
	CodeHostNotAllowed        = "HOST_NOT_ALLOWED"
	CodeSessionExpired        = "SESSION_EXPIRED"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeFailedToCreateSession = "FAILED_TO_CREATE_SESSION"
	CodeUpstreamUnavailable   = "UPSTREAM_UNAVAILABLE"
	CodeInvalidCallbackURL    = "INVALID_CALLBACK_URL"
)

// Error is an API error with a stable machine-readable code.
type Error struct {
	Status  int    `json:"-"`       // HTTP status code
	Code    string `json:"code"`    // stable code clients branch on
	Message string `json:"message"` // human-readable message

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e that wraps cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// New creates a new API error
func New(status int, code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Common constructors
var (
	// BadRequest indicates the request is malformed or failed a check
	BadRequest = func(code, message string) *Error {
		return New(http.StatusBadRequest, code, message)
	}

	// Unauthorized indicates missing or invalid credentials
	Unauthorized = func(code, message string) *Error {
		return New(http.StatusUnauthorized, code, message)
	}

	// Forbidden indicates the caller is authenticated but not allowed
	Forbidden = func(code, message string) *Error {
		return New(http.StatusForbidden, code, message)
	}

	// NotFound indicates the requested resource does not exist
	NotFound = func(code, message string) *Error {
		return New(http.StatusNotFound, code, message)
	}

	// TooManyRequests indicates the caller exceeded a rate limit
	TooManyRequests = func(message string) *Error {
		return New(http.StatusTooManyRequests, CodeTooManyRequests, message)
	}

	// Internal indicates an unexpected server-side failure
	Internal = func(message string) *Error {
		return New(http.StatusInternalServerError, CodeInternal, message)
	}
)

// From classifies err as an API error. Errors that do not wrap an *Error
// become a generic 500 whose message does not leak the cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("internal server error").WithCause(err)
}

// Is reports whether err is an API error with the given code.
func Is(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
