// Package credential adds email and password sign-up and sign-in.
//
// Passwords are hashed with bcrypt and stored on an account whose provider
// ID is session.ProviderCredential.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/session"
)

// ID is the plugin ID.
const ID = "credential"

// Operation names.
const (
	OperationSignUp         = "signUpEmail"
	OperationSignIn         = "signInEmail"
	OperationChangePassword = "changePassword"
)

const (
	// DefaultMinPasswordLength is the shortest accepted password
	DefaultMinPasswordLength = 8

	// DefaultMaxPasswordLength stays below bcrypt's 72-byte input limit
	DefaultMaxPasswordLength = 72
)

// Error codes contributed by the plugin.
var (
	ErrInvalidCredentials = apierror.Code{Code: "INVALID_EMAIL_OR_PASSWORD", Message: "invalid email or password"}
	ErrInvalidEmail       = apierror.Code{Code: "INVALID_EMAIL", Message: "invalid email"}
	ErrUserAlreadyExists  = apierror.Code{Code: "USER_ALREADY_EXISTS", Message: "user already exists"}
	ErrPasswordTooShort   = apierror.Code{Code: "PASSWORD_TOO_SHORT", Message: "password too short"}
	ErrPasswordTooLong    = apierror.Code{Code: "PASSWORD_TOO_LONG", Message: "password too long"}
	ErrInvalidPassword    = apierror.Code{Code: "INVALID_PASSWORD", Message: "invalid password"}
	ErrSignUpDisabled     = apierror.Code{Code: "SIGN_UP_DISABLED", Message: "sign up is disabled"}
	ErrAccountNotFound    = apierror.Code{Code: "CREDENTIAL_ACCOUNT_NOT_FOUND", Message: "credential account not found"}
)

// Config configures the plugin.
type Config struct {
	// MinPasswordLength (default: 8)
	MinPasswordLength int

	// MaxPasswordLength (default: 72)
	MaxPasswordLength int

	// DisableSignUp rejects /sign-up/email
	DisableSignUp bool

	// DisableAutoSignIn makes sign-up return the user without a session
	DisableAutoSignIn bool

	// BcryptCost (default: bcrypt.DefaultCost)
	BcryptCost int
}

// Plugin implements email and password authentication.
type Plugin struct {
	config Config

	// dummyHash is compared against when the user does not exist, so
	// unknown emails take as long as wrong passwords.
	dummyHash []byte
}

var (
	_ plugin.EndpointContributor  = (*Plugin)(nil)
	_ plugin.ErrorCodeContributor = (*Plugin)(nil)
	_ plugin.Validator            = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = DefaultMinPasswordLength
	}
	if cfg.MaxPasswordLength <= 0 {
		cfg.MaxPasswordLength = DefaultMaxPasswordLength
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Plugin{config: cfg}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Validate checks the password policy and the bcrypt cost.
func (p *Plugin) Validate() error {
	if p.config.MinPasswordLength > p.config.MaxPasswordLength {
		return fmt.Errorf("min password length %d exceeds max %d",
			p.config.MinPasswordLength, p.config.MaxPasswordLength)
	}
	if p.config.BcryptCost < bcrypt.MinCost || p.config.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("credential-timing-guard"), p.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to prepare password hashing: %w", err)
	}
	p.dummyHash = hash
	return nil
}

// ErrorCodes implements plugin.ErrorCodeContributor.
func (p *Plugin) ErrorCodes() apierror.Codes {
	codes := apierror.Codes{}
	for _, c := range []apierror.Code{
		ErrInvalidCredentials, ErrInvalidEmail, ErrUserAlreadyExists, ErrPasswordTooShort,
		ErrPasswordTooLong, ErrInvalidPassword, ErrSignUpDisabled, ErrAccountNotFound,
	} {
		codes[c.Code] = c
	}
	return codes
}

type signUpInput struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Image       string `json:"image,omitempty"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type signInInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type changePasswordInput struct {
	CurrentPassword     string `json:"currentPassword"`
	NewPassword         string `json:"newPassword"`
	RevokeOtherSessions bool   `json:"revokeOtherSessions,omitempty"`
}

// Endpoints implements plugin.EndpointContributor.
func (p *Plugin) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		OperationSignUp: {
			Method:  http.MethodPost,
			Path:    "/sign-up/email",
			Input:   signUpInput{},
			Handler: p.signUp,
		},
		OperationSignIn: {
			Method:  http.MethodPost,
			Path:    "/sign-in/email",
			Input:   signInInput{},
			Handler: p.signIn,
		},
		OperationChangePassword: {
			Method:         http.MethodPost,
			Path:           "/change-password",
			Input:          changePasswordInput{},
			RequireSession: true,
			Handler:        p.changePassword,
		},
	}
}

// HashPassword hashes password with the configured cost.
func (p *Plugin) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func (p *Plugin) VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (p *Plugin) checkPassword(password string) error {
	switch {
	case len(password) < p.config.MinPasswordLength:
		return ErrPasswordTooShort.Err(http.StatusBadRequest)
	case len(password) > p.config.MaxPasswordLength:
		return ErrPasswordTooLong.Err(http.StatusBadRequest)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail.Err(http.StatusBadRequest)
	}
	return email, nil
}

func (p *Plugin) signUp(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	if p.config.DisableSignUp {
		return nil, ErrSignUpDisabled.Err(http.StatusForbidden)
	}
	var in signUpInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := p.checkPassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := p.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	internal := rc.Auth.Internal
	user, err := internal.CreateUser(ctx, session.NewUser{Name: in.Name, Email: email, Image: in.Image})
	if errors.Is(err, session.ErrUserExists) {
		return nil, ErrUserAlreadyExists.Err(http.StatusUnprocessableEntity)
	}
	if err != nil {
		return nil, err
	}
	if _, err := internal.CreateAccount(ctx, session.NewAccount{
		UserID:     user.ID,
		ProviderID: session.ProviderCredential,
		AccountID:  user.ID,
		Password:   hash,
	}); err != nil {
		return nil, err
	}
	rc.Logger().Info("User signed up", "user_id", user.ID)

	if p.config.DisableAutoSignIn {
		return plugin.JSON(plugin.SessionBody{User: user}), nil
	}
	resp, err := plugin.SignIn(ctx, rc, user, "email")
	if err != nil {
		return nil, err
	}
	withCallback(resp, in.CallbackURL)
	return resp, nil
}

func (p *Plugin) signIn(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in signInInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	internal := rc.Auth.Internal
	user, err := internal.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	var account *session.Account
	if user != nil {
		if account, err = internal.FindUserAccount(ctx, user.ID, session.ProviderCredential); err != nil {
			return nil, err
		}
	}
	if account == nil || account.Password == "" {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(in.Password))
		p.reject(ctx, rc, "", "unknown_user")
		return nil, ErrInvalidCredentials.Err(http.StatusUnauthorized)
	}
	if !p.VerifyPassword(account.Password, in.Password) {
		p.reject(ctx, rc, user.ID, "invalid_password")
		return nil, ErrInvalidCredentials.Err(http.StatusUnauthorized)
	}

	resp, err := plugin.SignIn(ctx, rc, user, "email")
	if err != nil {
		return nil, err
	}
	withCallback(resp, in.CallbackURL)
	return resp, nil
}

func (p *Plugin) changePassword(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in changePasswordInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	if err := p.checkPassword(in.NewPassword); err != nil {
		return nil, err
	}
	internal := rc.Auth.Internal
	account, err := internal.FindUserAccount(ctx, rc.User.ID, session.ProviderCredential)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Password == "" {
		return nil, ErrAccountNotFound.Err(http.StatusBadRequest)
	}
	if !p.VerifyPassword(account.Password, in.CurrentPassword) {
		p.reject(ctx, rc, rc.User.ID, "invalid_current_password")
		return nil, ErrInvalidPassword.Err(http.StatusBadRequest)
	}
	hash, err := p.HashPassword(in.NewPassword)
	if err != nil {
		return nil, err
	}
	if err := internal.UpdateAccountPassword(ctx, account.ID, hash); err != nil {
		return nil, err
	}

	if !in.RevokeOtherSessions {
		return plugin.JSON(map[string]bool{"status": true}), nil
	}
	revoked, err := internal.DeleteUserSessions(ctx, rc.User.ID)
	if err != nil {
		return nil, err
	}
	rc.Logger().Info("Revoked sessions after password change", "user_id", rc.User.ID, "count", revoked)
	return plugin.SignIn(ctx, rc, rc.User, "email")
}

func (p *Plugin) reject(ctx context.Context, rc *plugin.RequestContext, userID, reason string) {
	rc.Logger().Warn("Email sign-in rejected", "ip", rc.ClientIP, "reason", reason)
	rc.Auth.Auditor.LogAuthFailure(ctx, userID, "", rc.ClientIP, reason)
}

func withCallback(resp *plugin.Response, callbackURL string) {
	if callbackURL == "" {
		return
	}
	if body, ok := resp.Body.(plugin.SessionBody); ok {
		body.Redirect = true
		body.URL = callbackURL
		resp.Body = body
	}
}
