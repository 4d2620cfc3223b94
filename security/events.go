package security

// Audit event types.
const (
	EventSessionCreated = "session_created"
	EventSessionRevoked = "session_revoked"

	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshTokenReuseDetected revokes the whole token family.
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	EventAuthorizationCodeIssued = "authorization_code_issued"
	EventPKCEValidationFailed    = "pkce_validation_failed"
	EventStateMismatch           = "state_mismatch"

	EventClientRegistered           = "client_registered"
	EventClientRegistrationRejected = "client_registration_rejected"

	EventAuthFailure       = "auth_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventHostRejected      = "host_rejected"

	// Written by the audit plugin for every finished request.
	EventRequestFailed    = "request_failed"
	EventRequestCompleted = "request_completed"
)
