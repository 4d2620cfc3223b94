// Package session implements the internal adapter: users, sessions,
// accounts and verification records stored through an adapter.Adapter,
// plus the session cookie helpers shared by the core and plugins.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/security"
)

const (
	// DefaultExpiresIn is the lifetime of a new session
	DefaultExpiresIn = 7 * 24 * time.Hour

	// DefaultUpdateAge is how old a session must be before its expiry is extended
	DefaultUpdateAge = 24 * time.Hour

	tokenLogLength = 8
)

var (
	// ErrUserExists is returned when creating a user whose email is taken
	ErrUserExists = errors.New("user already exists")

	// ErrNotFound is returned by lookups that require a record
	ErrNotFound = errors.New("record not found")
)

// Config configures a Manager.
type Config struct {
	// ExpiresIn is the session lifetime (default: 7 days)
	ExpiresIn time.Duration

	// UpdateAge controls sliding expiration (default: 1 day). Zero
	// values use the default; a negative value disables extension.
	UpdateAge time.Duration

	// GenerateID assigns record ids (default: the adapter's generator)
	GenerateID func() string

	// Encryptor encrypts account tokens at rest; nil stores them as-is
	Encryptor *security.Encryptor

	Logger *slog.Logger
}

// Manager is the internal adapter over the core models.
type Manager struct {
	adapter    adapter.Adapter
	expiresIn  time.Duration
	updateAge  time.Duration
	generateID func() string
	encryptor  *security.Encryptor
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	now        func() time.Time
}

// NewManager creates a Manager over a (typically hook-wrapped) adapter.
func NewManager(a adapter.Adapter, cfg Config) *Manager {
	if cfg.ExpiresIn <= 0 {
		cfg.ExpiresIn = DefaultExpiresIn
	}
	if cfg.UpdateAge == 0 {
		cfg.UpdateAge = DefaultUpdateAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		adapter:    a,
		expiresIn:  cfg.ExpiresIn,
		updateAge:  cfg.UpdateAge,
		generateID: cfg.GenerateID,
		encryptor:  cfg.Encryptor,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// SetInstrumentation counts created sessions.
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		m.metrics = inst.Metrics()
	}
}

// SetClock overrides the manager's clock.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Adapter returns the adapter the manager writes through.
func (m *Manager) Adapter() adapter.Adapter { return m.adapter }

// ExpiresIn returns the configured session lifetime.
func (m *Manager) ExpiresIn() time.Duration { return m.expiresIn }

func (m *Manager) newRecord(fields adapter.Record) adapter.Record {
	now := m.now()
	fields["createdAt"] = now
	fields["updatedAt"] = now
	if m.generateID != nil {
		if _, ok := fields["id"]; !ok {
			fields["id"] = m.generateID()
		}
	}
	return fields
}

// --- users ---

// NewUser describes a user to create.
type NewUser struct {
	Name          string
	Email         string
	EmailVerified bool
	Image         string

	// Extra carries plugin-contributed fields
	Extra map[string]any
}

// CreateUser creates a user. Emails are stored lower-cased and must be unique.
func (m *Manager) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	email := strings.ToLower(strings.TrimSpace(nu.Email))
	if email == "" {
		return nil, fmt.Errorf("create user: email is required")
	}
	existing, err := m.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	fields := adapter.Record{}
	for k, v := range nu.Extra {
		fields[k] = v
	}
	fields["name"] = nu.Name
	fields["email"] = email
	fields["emailVerified"] = nu.EmailVerified
	if nu.Image != "" {
		fields["image"] = nu.Image
	}

	rec, err := m.adapter.Create(ctx, ModelUser, m.newRecord(fields))
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	m.logger.Debug("Created user", "user_id", rec.String("id"))
	return userFromRecord(rec), nil
}

// FindUserByID returns the user or nil.
func (m *Manager) FindUserByID(ctx context.Context, id string) (*User, error) {
	rec, err := m.adapter.FindOne(ctx, ModelUser, []adapter.Where{adapter.Eq("id", id)})
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return userFromRecord(rec), nil
}

// FindUserByEmail returns the user or nil. Lookup is case-insensitive.
func (m *Manager) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	rec, err := m.adapter.FindOne(ctx, ModelUser, []adapter.Where{
		adapter.Eq("email", strings.ToLower(strings.TrimSpace(email))),
	})
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return userFromRecord(rec), nil
}

// UpdateUser applies fields to the user and returns the updated user.
func (m *Manager) UpdateUser(ctx context.Context, id string, fields map[string]any) (*User, error) {
	update := adapter.Record{}
	for k, v := range fields {
		update[k] = v
	}
	update["updatedAt"] = m.now()
	rec, err := m.adapter.Update(ctx, ModelUser, update, []adapter.Where{adapter.Eq("id", id)})
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return userFromRecord(rec), nil
}

// --- sessions ---

// Meta describes the client a session is created for.
type Meta struct {
	IPAddress string
	UserAgent string

	// Method names how the user authenticated, for metrics ("email", "oauth", ...)
	Method string
}

// GenerateToken returns a random 32-byte base64url token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateSession issues a new session for userID.
func (m *Manager) CreateSession(ctx context.Context, userID string, meta Meta) (*Session, error) {
	tok, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	fields := adapter.Record{
		"userId":    userID,
		"token":     tok,
		"expiresAt": m.now().Add(m.expiresIn),
	}
	if meta.IPAddress != "" {
		fields["ipAddress"] = meta.IPAddress
	}
	if meta.UserAgent != "" {
		fields["userAgent"] = meta.UserAgent
	}
	rec, err := m.adapter.Create(ctx, ModelSession, m.newRecord(fields))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	method := meta.Method
	if method == "" {
		method = "unknown"
	}
	m.metrics.RecordSessionCreated(ctx, method)
	m.logger.Debug("Created session",
		"user_id", userID,
		"token_prefix", util.SafeTruncate(tok, tokenLogLength),
		"method", method)
	return sessionFromRecord(rec), nil
}

// FindSession resolves a session token. Unknown and expired sessions
// return nil; expired ones are deleted. Sessions older than UpdateAge
// have their expiry extended.
func (m *Manager) FindSession(ctx context.Context, tok string) (*Session, *User, error) {
	if tok == "" {
		return nil, nil, nil
	}
	rec, err := m.adapter.FindOne(ctx, ModelSession, []adapter.Where{adapter.Eq("token", tok)})
	if err != nil {
		return nil, nil, fmt.Errorf("find session: %w", err)
	}
	s := sessionFromRecord(rec)
	if s == nil {
		return nil, nil, nil
	}

	now := m.now()
	if !now.Before(s.ExpiresAt) {
		if _, err := m.adapter.DeleteMany(ctx, ModelSession, []adapter.Where{adapter.Eq("id", s.ID)}); err != nil {
			m.logger.Warn("Failed to delete expired session", "session_id", s.ID, "error", err)
		}
		return nil, nil, nil
	}

	user, err := m.FindUserByID(ctx, s.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, nil
	}

	if m.updateAge > 0 && s.ExpiresAt.Sub(now) < m.expiresIn-m.updateAge {
		updated, err := m.adapter.Update(ctx, ModelSession, adapter.Record{
			"expiresAt": now.Add(m.expiresIn),
			"updatedAt": now,
		}, []adapter.Where{adapter.Eq("id", s.ID)})
		if err != nil {
			m.logger.Warn("Failed to extend session", "session_id", s.ID, "error", err)
		} else if updated != nil {
			s = sessionFromRecord(updated)
		}
	}
	return s, user, nil
}

// DeleteSession removes the session with token tok.
func (m *Manager) DeleteSession(ctx context.Context, tok string) error {
	if _, err := m.adapter.DeleteMany(ctx, ModelSession, []adapter.Where{adapter.Eq("token", tok)}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteUserSessions removes every session of a user and returns how many.
func (m *Manager) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	n, err := m.adapter.DeleteMany(ctx, ModelSession, []adapter.Where{adapter.Eq("userId", userID)})
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return n, nil
}
