// Package testutils exposes helpers for integration tests of applications
// built on the library: creating users, signing them in without a
// password round-trip and reading one-time codes the instance stored.
//
// The helpers are attached as the "test" context extension:
//
//	h, _ := plugin.ExtensionAs[*testutils.Helpers](a.Context(), testutils.ExtensionName)
//	login, _ := h.Login(ctx, user.ID)
//
// Never register this plugin in production.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/credential"
	"github.com/giantswarm/mcp-auth/session"
)

// ID is the plugin ID.
const ID = "test-utils"

// ExtensionName is the context extension holding *Helpers.
const ExtensionName = "test"

// Config configures the plugin.
type Config struct {
	// CaptureOTP records verification values as they are created
	CaptureOTP bool

	// OTPPrefixes restricts capture to identifiers with one of these
	// prefixes (default: every identifier)
	OTPPrefixes []string
}

// Plugin provides the test helpers.
type Plugin struct {
	config Config
}

var _ plugin.LifecycleContributor = (*Plugin)(nil)

// New creates the plugin.
func New(cfg Config) *Plugin {
	return &Plugin{config: cfg}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Init attaches the helpers and, with CaptureOTP, the capture hook.
func (p *Plugin) Init(_ context.Context, ac *plugin.AuthContext) (*plugin.InitResult, error) {
	h := &Helpers{ac: ac, otps: map[string]string{}}
	if cp, ok := ac.GetPlugin(credential.ID); ok {
		if c, ok := cp.(*credential.Plugin); ok {
			h.Passwords = &PasswordHelpers{h: h, credential: c}
		}
	}

	res := &plugin.InitResult{Context: map[string]any{ExtensionName: h}}
	if p.config.CaptureOTP {
		res.DatabaseHooks = []adapter.Hook{{
			Name: "testutils.captureOTP",
			Event: adapter.Event{
				Model:     session.ModelVerification,
				Operation: adapter.OpCreate,
				Phase:     adapter.After,
			},
			Fn: func(_ context.Context, rec adapter.Record) error {
				id := rec.String("identifier")
				if p.capture(id) {
					h.storeOTP(id, rec.String("value"))
				}
				return nil
			},
		}}
	}
	return res, nil
}

func (p *Plugin) capture(identifier string) bool {
	if len(p.config.OTPPrefixes) == 0 {
		return true
	}
	for _, prefix := range p.config.OTPPrefixes {
		if strings.HasPrefix(identifier, prefix) {
			return true
		}
	}
	return false
}

// Helpers is the "test" context extension.
type Helpers struct {
	ac *plugin.AuthContext

	// Passwords is nil unless the credential plugin is registered
	Passwords *PasswordHelpers

	mu   sync.Mutex
	otps map[string]string
}

// LoginResult is a session created without going through an endpoint.
type LoginResult struct {
	Session *session.Session
	User    *session.User
	Token   string
	Cookie  *http.Cookie

	// Headers authenticate a request with the session cookie
	Headers http.Header
}

// CreateUser stores a user.
func (h *Helpers) CreateUser(ctx context.Context, nu session.NewUser) (*session.User, error) {
	return h.ac.Internal.CreateUser(ctx, nu)
}

// DeleteUser removes a user with their sessions and accounts.
func (h *Helpers) DeleteUser(ctx context.Context, userID string) error {
	if _, err := h.ac.Internal.DeleteUserSessions(ctx, userID); err != nil {
		return err
	}
	db := h.ac.Adapter
	if _, err := db.DeleteMany(ctx, session.ModelAccount, []adapter.Where{adapter.Eq("userId", userID)}); err != nil {
		return fmt.Errorf("delete accounts: %w", err)
	}
	if _, err := db.DeleteMany(ctx, session.ModelUser, []adapter.Where{adapter.Eq("id", userID)}); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// Login creates a session for userID.
func (h *Helpers) Login(ctx context.Context, userID string) (*LoginResult, error) {
	user, err := h.ac.Internal.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.New("user not found")
	}
	s, err := h.ac.Internal.CreateSession(ctx, userID, session.Meta{Method: "test"})
	if err != nil {
		return nil, err
	}
	cookie := h.ac.Cookies.Cookie(s.Token, s.ExpiresAt)
	headers := http.Header{}
	headers.Set("Cookie", cookie.Name+"="+cookie.Value)
	return &LoginResult{Session: s, User: user, Token: s.Token, Cookie: cookie, Headers: headers}, nil
}

// AuthHeaders returns headers carrying a fresh bearer session for userID.
func (h *Helpers) AuthHeaders(ctx context.Context, userID string) (http.Header, error) {
	login, err := h.Login(ctx, userID)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+login.Token)
	return headers, nil
}

func (h *Helpers) storeOTP(identifier, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.otps[identifier] = value
}

// OTP returns the latest value captured for identifier.
func (h *Helpers) OTP(identifier string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.otps[identifier]
	return v, ok
}

// ClearOTPs forgets every captured value.
func (h *Helpers) ClearOTPs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.otps)
}

// PasswordHelpers create users that can sign in with email and password.
type PasswordHelpers struct {
	h          *Helpers
	credential *credential.Plugin
}

// HashPassword hashes password with the credential plugin's settings.
func (p *PasswordHelpers) HashPassword(password string) (string, error) {
	return p.credential.HashPassword(password)
}

// CreateUser stores a user together with a credential account.
func (p *PasswordHelpers) CreateUser(ctx context.Context, nu session.NewUser, password string) (*session.User, error) {
	hash, err := p.credential.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := p.h.CreateUser(ctx, nu)
	if err != nil {
		return nil, err
	}
	if _, err := p.h.ac.Internal.CreateAccount(ctx, session.NewAccount{
		UserID:     user.ID,
		ProviderID: session.ProviderCredential,
		AccountID:  user.ID,
		Password:   hash,
	}); err != nil {
		return nil, err
	}
	return user, nil
}
