package mcp

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-auth/plugin"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 6750, RFC 7591).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// Error is an OAuth 2.0 error answered as {error, error_description}.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Response converts e into a pipeline response.
func (e *Error) Response() *plugin.Response {
	return &plugin.Response{Status: e.Status, Body: e}
}

// ErrInvalidRequest creates an invalid_request error
func ErrInvalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidClient creates an invalid_client error
func ErrInvalidClient(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// ErrInvalidGrant creates an invalid_grant error
func ErrInvalidGrant(description string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidScope creates an invalid_scope error
func ErrInvalidScope(description string) *Error {
	return &Error{Code: ErrorCodeInvalidScope, Description: description, Status: http.StatusBadRequest}
}

// ErrUnsupportedGrantType creates an unsupported_grant_type error
func ErrUnsupportedGrantType(grantType string) *Error {
	return &Error{
		Code:        ErrorCodeUnsupportedGrantType,
		Description: fmt.Sprintf("grant type %q is not supported", grantType),
		Status:      http.StatusBadRequest,
	}
}

// ErrInvalidToken creates an invalid_token error
func ErrInvalidToken(description string) *Error {
	return &Error{Code: ErrorCodeInvalidToken, Description: description, Status: http.StatusUnauthorized}
}

// ErrInvalidRedirectURI creates an invalid_redirect_uri error
func ErrInvalidRedirectURI(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRedirectURI, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidClientMetadata creates an invalid_client_metadata error
func ErrInvalidClientMetadata(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClientMetadata, Description: description, Status: http.StatusBadRequest}
}

// ErrServerError creates a server_error error
func ErrServerError(description string) *Error {
	return &Error{Code: ErrorCodeServerError, Description: description, Status: http.StatusInternalServerError}
}
