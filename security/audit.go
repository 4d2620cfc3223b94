package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-auth/instrumentation"
)

// Auditor handles security event logging with PII protection.
// A nil *Auditor is valid and drops every event.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation counts every logged event in auth.audit.events.total.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if a == nil || inst == nil {
		return
	}
	a.metrics = inst.Metrics()
}

// Enabled reports whether events are written.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	a.metrics.RecordAuditEvent(ctx, event.Type)
}

// LogSessionCreated logs a new session
func (a *Auditor) LogSessionCreated(ctx context.Context, userID, ipAddress, method string) {
	a.LogEvent(ctx, Event{
		Type:      EventSessionCreated,
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"method": method},
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, ipAddress, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, userID, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, path string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"path": path},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(ctx context.Context, clientID, clientType, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
