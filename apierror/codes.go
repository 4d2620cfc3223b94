package apierror

import (
	"fmt"
	"maps"
	"slices"
)

// Code is one entry of an error-code map.
type Code struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// Codes maps a symbolic name to its code and default message.
type Codes map[string]Code

// BaseCodes returns the codes every composed instance exposes.
func BaseCodes() Codes {
	return Codes{
		"INVALID_REQUEST":          {Code: CodeInvalidRequest, Message: "invalid request"},
		"VALIDATION_ERROR":         {Code: CodeValidation, Message: "request validation failed"},
		"UNAUTHORIZED":             {Code: CodeUnauthorized, Message: "unauthorized"},
		"FORBIDDEN":                {Code: CodeForbidden, Message: "forbidden"},
		"NOT_FOUND":                {Code: CodeNotFound, Message: "not found"},
		"INTERNAL_SERVER_ERROR":    {Code: CodeInternal, Message: "internal server error"},
		"TOO_MANY_REQUESTS":        {Code: CodeTooManyRequests, Message: "too many requests"},
		"INVALID_OR_EXPIRED_TOKEN": {Code: CodeInvalidOrExpiredToken, Message: "invalid or expired token"},
		"STATE_NOT_FOUND":          {Code: CodeStateNotFound, Message: "state not found"},
		"STATE_MISMATCH":           {Code: CodeStateMismatch, Message: "state mismatch"},
		"HOST_NOT_ALLOWED":         {Code: CodeHostNotAllowed, Message: "host is not in the allowed hosts list"},
		"SESSION_EXPIRED":          {Code: CodeSessionExpired, Message: "session expired"},
		"USER_NOT_FOUND":           {Code: CodeUserNotFound, Message: "user not found"},
		"FAILED_TO_CREATE_SESSION": {Code: CodeFailedToCreateSession, Message: "failed to create session"},
		"UPSTREAM_UNAVAILABLE":     {Code: CodeUpstreamUnavailable, Message: "upstream unavailable"},
		"INVALID_CALLBACK_URL":     {Code: CodeInvalidCallbackURL, Message: "invalid callback URL"},
	}
}

// Merge adds src into dst. An identical re-declaration is accepted; a name
// already bound to a different code or message is a conflict.
func (dst Codes) Merge(src Codes) error {
	for _, name := range slices.Sorted(maps.Keys(src)) {
		c := src[name]
		if existing, ok := dst[name]; ok && existing != c {
			return fmt.Errorf("error code %q already defined as %q (%q)", name, existing.Code, existing.Message)
		}
		dst[name] = c
	}
	return nil
}

// Err builds an API error from a declared code.
func (c Code) Err(status int) *Error {
	return New(status, c.Code, c.Message)
}
