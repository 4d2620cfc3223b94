// Package genericoauth adds sign-in through any number of upstream OAuth
// 2.0 / OIDC providers.
//
// A sign-in stores a single-use flow state keyed by the OAuth state
// parameter, redirects to the provider with a PKCE challenge, and on
// callback exchanges the code, identifies the user, links or creates the
// account and issues a session. Linked accounts keep their provider
// tokens, which /oauth2/access-token refreshes on demand.
package genericoauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
	"github.com/giantswarm/mcp-auth/storage"
	"github.com/giantswarm/mcp-auth/storage/memory"
	"github.com/giantswarm/mcp-auth/token"
)

// ID is the plugin ID.
const ID = "generic-oauth"

// Operation names.
const (
	OperationSignIn       = "signInWithOAuth2"
	OperationCallback     = "oAuth2Callback"
	OperationLinkAccount  = "oAuth2LinkAccount"
	OperationRefreshToken = "refreshToken"
	OperationAccessToken  = "getAccessToken"
	OperationListAccounts = "listAccounts"
)

// Error codes contributed by the plugin.
var (
	ErrProviderNotFound      = apierror.Code{Code: "PROVIDER_NOT_FOUND", Message: "provider not found"}
	ErrAccountNotFound       = apierror.Code{Code: "ACCOUNT_NOT_FOUND", Message: "account not found"}
	ErrAccountNotLinked      = apierror.Code{Code: "ACCOUNT_NOT_LINKED", Message: "account not linked"}
	ErrAccountAlreadyLinked  = apierror.Code{Code: "ACCOUNT_ALREADY_LINKED", Message: "account is already linked to another user"}
	ErrEmailNotFound         = apierror.Code{Code: "EMAIL_NOT_FOUND", Message: "provider did not return an email"}
	ErrSignUpDisabled        = apierror.Code{Code: "SIGN_UP_DISABLED", Message: "sign up is disabled"}
	ErrRefreshTokenNotFound  = apierror.Code{Code: "REFRESH_TOKEN_NOT_FOUND", Message: "refresh token not found"}
	ErrRefreshTokenExpired   = apierror.Code{Code: "REFRESH_TOKEN_EXPIRED", Message: "refresh token expired"}
	ErrFailedToRefreshToken  = apierror.Code{Code: "FAILED_TO_REFRESH_TOKEN", Message: "failed to refresh token"}
	ErrOAuthCodeNotExchanged = apierror.Code{Code: "OAUTH_CODE_EXCHANGE_FAILED", Message: "failed to exchange authorization code"}
)

// ProviderConfig configures one provider.
type ProviderConfig struct {
	Provider providers.Provider

	// Scopes override the provider's default scopes
	Scopes []string

	// DisablePKCE omits the code challenge for providers that reject it
	DisablePKCE bool

	// DisableSignUp refuses to create users through this provider
	DisableSignUp bool

	// RedirectURI overrides <base URL>/oauth2/callback/<provider ID>
	RedirectURI string

	// AuthParams are added to every authorization URL
	AuthParams map[string]string
}

// Config configures the plugin.
type Config struct {
	Providers []ProviderConfig

	// StateStore keeps pending flows (default: in-memory)
	StateStore storage.StateStore

	// StateTTL bounds how long a sign-in may stay pending (default: 10 minutes)
	StateTTL time.Duration

	// DisableImplicitSignUp creates users only when the sign-in request
	// sets requestSignUp
	DisableImplicitSignUp bool

	// ClockSkew is how long before its expiry an access token is
	// refreshed (default: security.DefaultClockSkewGracePeriod)
	ClockSkew time.Duration
}

// Plugin implements the generic OAuth flows.
type Plugin struct {
	config    Config
	providers map[string]ProviderConfig
	states    storage.StateStore
	ownStore  *memory.Store
	logger    *slog.Logger
	now       func() time.Time
}

var (
	_ plugin.EndpointContributor  = (*Plugin)(nil)
	_ plugin.ErrorCodeContributor = (*Plugin)(nil)
	_ plugin.LifecycleContributor = (*Plugin)(nil)
	_ plugin.Validator            = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = storage.DefaultStateTTL
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	return &Plugin{
		config:    cfg,
		providers: map[string]ProviderConfig{},
		states:    cfg.StateStore,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Validate requires at least one provider, each with a unique ID.
func (p *Plugin) Validate() error {
	if len(p.config.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	p.providers = make(map[string]ProviderConfig, len(p.config.Providers))
	for i, pc := range p.config.Providers {
		if pc.Provider == nil {
			return fmt.Errorf("provider %d: provider is required", i)
		}
		id := pc.Provider.Name()
		if id == "" {
			return fmt.Errorf("provider %d: provider ID is required", i)
		}
		if _, dup := p.providers[id]; dup {
			return fmt.Errorf("provider %q is configured twice", id)
		}
		p.providers[id] = pc
	}
	return nil
}

// Init creates the default state store.
func (p *Plugin) Init(_ context.Context, ac *plugin.AuthContext) (*plugin.InitResult, error) {
	if ac.Logger != nil {
		p.logger = ac.Logger
	}
	if p.states == nil {
		store := memory.New()
		store.SetLogger(p.logger)
		store.SetInstrumentation(ac.Instrumentation)
		p.ownStore = store
		p.states = store
	}
	for _, pc := range p.providers {
		if g, ok := pc.Provider.(interface {
			SetInstrumentation(*instrumentation.Instrumentation)
		}); ok {
			g.SetInstrumentation(ac.Instrumentation)
		}
	}
	return nil, nil
}

// Close stops the default state store.
func (p *Plugin) Close() error {
	if p.ownStore != nil {
		p.ownStore.Stop()
	}
	return nil
}

// SetClock overrides the clock used for token expiry decisions.
func (p *Plugin) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// ErrorCodes implements plugin.ErrorCodeContributor.
func (p *Plugin) ErrorCodes() apierror.Codes {
	codes := apierror.Codes{}
	for _, c := range []apierror.Code{
		ErrProviderNotFound, ErrAccountNotFound, ErrAccountNotLinked, ErrAccountAlreadyLinked,
		ErrEmailNotFound, ErrSignUpDisabled, ErrRefreshTokenNotFound, ErrRefreshTokenExpired,
		ErrFailedToRefreshToken, ErrOAuthCodeNotExchanged,
	} {
		codes[c.Code] = c
	}
	return codes
}

type signInInput struct {
	ProviderID         string   `json:"providerId"`
	CallbackURL        string   `json:"callbackURL,omitempty"`
	ErrorCallbackURL   string   `json:"errorCallbackURL,omitempty"`
	NewUserCallbackURL string   `json:"newUserCallbackURL,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
	RequestSignUp      bool     `json:"requestSignUp,omitempty"`
	DisableRedirect    bool     `json:"disableRedirect,omitempty"`
}

type linkInput struct {
	ProviderID  string   `json:"providerId"`
	CallbackURL string   `json:"callbackURL,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

type tokenInput struct {
	ProviderID string `json:"providerId"`
}

// RedirectBody answers sign-in and link requests.
type RedirectBody struct {
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// TokenBody carries an account's provider tokens.
type TokenBody struct {
	AccessToken           string     `json:"accessToken"`
	RefreshToken          string     `json:"refreshToken,omitempty"`
	IDToken               string     `json:"idToken,omitempty"`
	AccessTokenExpiresAt  *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Scopes                []string   `json:"scopes,omitempty"`
}

// Endpoints implements plugin.EndpointContributor.
func (p *Plugin) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		OperationSignIn: {
			Method:  http.MethodPost,
			Path:    "/sign-in/oauth2",
			Input:   signInInput{},
			Handler: p.signIn,
		},
		OperationCallback: {
			Method:  http.MethodGet,
			Path:    "/oauth2/callback/{providerId}",
			Handler: p.callback,
		},
		OperationLinkAccount: {
			Method:         http.MethodPost,
			Path:           "/oauth2/link",
			Input:          linkInput{},
			RequireSession: true,
			Handler:        p.link,
		},
		OperationRefreshToken: {
			Method:         http.MethodPost,
			Path:           "/oauth2/refresh-token",
			Input:          tokenInput{},
			RequireSession: true,
			Handler:        p.refreshToken,
		},
		OperationAccessToken: {
			Method:         http.MethodPost,
			Path:           "/oauth2/access-token",
			Input:          tokenInput{},
			RequireSession: true,
			Handler:        p.accessToken,
		},
		OperationListAccounts: {
			Method:         http.MethodGet,
			Path:           "/list-accounts",
			RequireSession: true,
			Handler:        p.listAccounts,
		},
	}
}

func (p *Plugin) provider(id string) (ProviderConfig, error) {
	pc, ok := p.providers[id]
	if !ok {
		return ProviderConfig{}, ErrProviderNotFound.Err(http.StatusNotFound)
	}
	return pc, nil
}

func (p *Plugin) redirectURI(rc *plugin.RequestContext, pc ProviderConfig) string {
	if pc.RedirectURI != "" {
		return pc.RedirectURI
	}
	return rc.BaseURL + "/oauth2/callback/" + url.PathEscape(pc.Provider.Name())
}

// authorize saves the flow state and builds the provider URL.
func (p *Plugin) authorize(ctx context.Context, rc *plugin.RequestContext, pc ProviderConfig, fs *storage.FlowState, scopes []string) (string, error) {
	state, err := session.GenerateToken()
	if err != nil {
		return "", err
	}
	now := p.now()
	fs.State = state
	fs.ProviderID = pc.Provider.Name()
	fs.CreatedAt = now
	fs.ExpiresAt = now.Add(p.config.StateTTL)

	req := providers.AuthRequest{
		State:       state,
		RedirectURI: p.redirectURI(rc, pc),
		Scopes:      pc.Scopes,
		Extra:       pc.AuthParams,
	}
	if len(scopes) > 0 {
		req.Scopes = scopes
	}
	if !pc.DisablePKCE {
		fs.CodeVerifier = pkce.NewVerifier()
		challenge, err := pkce.Challenge(fs.CodeVerifier, pkce.MethodS256)
		if err != nil {
			return "", err
		}
		req.CodeChallenge = challenge
		req.CodeChallengeMethod = pkce.MethodS256
	}

	if err := p.states.SaveState(ctx, fs); err != nil {
		return "", fmt.Errorf("failed to save flow state: %w", err)
	}
	return pc.Provider.AuthorizationURL(req), nil
}

func (p *Plugin) signIn(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in signInInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	pc, err := p.provider(in.ProviderID)
	if err != nil {
		return nil, err
	}
	for _, target := range []string{in.CallbackURL, in.ErrorCallbackURL, in.NewUserCallbackURL} {
		if err := rc.CheckCallbackURL(target); err != nil {
			return nil, err
		}
	}

	authURL, err := p.authorize(ctx, rc, pc, &storage.FlowState{
		CallbackURL:        in.CallbackURL,
		ErrorCallbackURL:   in.ErrorCallbackURL,
		NewUserCallbackURL: in.NewUserCallbackURL,
		RequestSignUp:      in.RequestSignUp,
	}, in.Scopes)
	if err != nil {
		return nil, err
	}
	return plugin.JSON(RedirectBody{URL: authURL, Redirect: !in.DisableRedirect}), nil
}

func (p *Plugin) link(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in linkInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	pc, err := p.provider(in.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := rc.CheckCallbackURL(in.CallbackURL); err != nil {
		return nil, err
	}
	authURL, err := p.authorize(ctx, rc, pc, &storage.FlowState{
		CallbackURL: in.CallbackURL,
		LinkUserID:  rc.User.ID,
	}, in.Scopes)
	if err != nil {
		return nil, err
	}
	return plugin.JSON(RedirectBody{URL: authURL, Redirect: true}), nil
}

// callback completes a flow. Once the flow state is known, failures
// redirect to the flow's error callback when it has one.
func (p *Plugin) callback(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	providerID := rc.Params["providerId"]
	instrumentation.AddProviderAttributes(trace.SpanFromContext(ctx), providerID, "callback")
	state := rc.Query.Get("state")
	if state == "" {
		return nil, apierror.BadRequest(apierror.CodeStateNotFound, "state not found")
	}
	fs, err := p.states.ConsumeState(ctx, state)
	if errors.Is(err, storage.ErrStateNotFound) {
		p.auditStateFailure(ctx, rc, providerID, "state_not_found")
		return nil, apierror.BadRequest(apierror.CodeStateNotFound, "state not found")
	}
	if err != nil {
		return nil, err
	}
	if fs.ProviderID != providerID {
		p.auditStateFailure(ctx, rc, providerID, "provider_mismatch")
		return nil, apierror.BadRequest(apierror.CodeStateMismatch, "state mismatch")
	}

	fail := func(apiErr *apierror.Error) (*plugin.Response, error) {
		target := fs.ErrorCallbackURL
		if target == "" {
			target = fs.CallbackURL
		}
		if target == "" {
			return nil, apiErr
		}
		return plugin.Redirect(withQuery(target, "error", apiErr.Code)), nil
	}

	if e := rc.Query.Get("error"); e != "" {
		rc.Logger().Warn("Provider returned error",
			"provider", providerID,
			"error", e,
			"description", rc.Query.Get("error_description"))
		return fail(apierror.BadRequest(e, rc.Query.Get("error_description")))
	}
	code := rc.Query.Get("code")
	if code == "" {
		return fail(apierror.BadRequest(apierror.CodeInvalidRequest, "code is required"))
	}

	pc, err := p.provider(providerID)
	if err != nil {
		return fail(apierror.From(err))
	}
	tokens, err := pc.Provider.ExchangeCode(ctx, code, fs.CodeVerifier, p.redirectURI(rc, pc))
	if err != nil {
		rc.Logger().Warn("Authorization code exchange failed", "provider", providerID, "error", err)
		return fail(ErrOAuthCodeNotExchanged.Err(http.StatusBadGateway).WithCause(err))
	}
	rc.Auth.Metrics().RecordCodeExchange(ctx, providerID, pkceMethod(fs))

	info, err := pc.Provider.UserInfo(ctx, tokens)
	if err != nil {
		rc.Logger().Warn("Failed to fetch user info", "provider", providerID, "error", err)
		return fail(apierror.New(http.StatusBadGateway, apierror.CodeUpstreamUnavailable, "failed to fetch user info").WithCause(err))
	}

	user, isNew, err := p.resolveUser(ctx, rc, pc, fs, info, tokens)
	if err != nil {
		return fail(apierror.From(err))
	}

	target := fs.CallbackURL
	if isNew && fs.NewUserCallbackURL != "" {
		target = fs.NewUserCallbackURL
	}
	if target == "" {
		target = "/"
	}
	resp := plugin.Redirect(target)
	if fs.LinkUserID != "" {
		return resp, nil
	}
	s, err := plugin.CreateSession(ctx, rc, user, "oauth")
	if err != nil {
		return fail(apierror.From(err))
	}
	resp.Cookies = append(resp.Cookies, plugin.SessionCookie(rc, s))
	return resp, nil
}

// resolveUser links the provider identity to a user, creating the user
// when needed. It reports whether the user is new.
func (p *Plugin) resolveUser(ctx context.Context, rc *plugin.RequestContext, pc ProviderConfig, fs *storage.FlowState, info *providers.UserInfo, tokens *token.Set) (*session.User, bool, error) {
	internal := rc.Auth.Internal
	providerID := pc.Provider.Name()

	account, err := internal.FindAccount(ctx, providerID, info.ID)
	if err != nil {
		return nil, false, err
	}

	if fs.LinkUserID != "" {
		if account != nil && account.UserID != fs.LinkUserID {
			return nil, false, ErrAccountAlreadyLinked.Err(http.StatusConflict)
		}
		if err := p.storeTokens(ctx, rc, account, fs.LinkUserID, providerID, info.ID, tokens); err != nil {
			return nil, false, err
		}
		user, err := internal.FindUserByID(ctx, fs.LinkUserID)
		if err != nil {
			return nil, false, err
		}
		if user == nil {
			return nil, false, apierror.NotFound(apierror.CodeUserNotFound, "user not found")
		}
		return user, false, nil
	}

	if account != nil {
		if err := p.storeTokens(ctx, rc, account, account.UserID, providerID, info.ID, tokens); err != nil {
			return nil, false, err
		}
		user, err := internal.FindUserByID(ctx, account.UserID)
		if err != nil {
			return nil, false, err
		}
		if user == nil {
			return nil, false, apierror.NotFound(apierror.CodeUserNotFound, "user not found")
		}
		return user, false, nil
	}

	if info.Email == "" {
		return nil, false, ErrEmailNotFound.Err(http.StatusBadRequest)
	}
	user, err := internal.FindUserByEmail(ctx, info.Email)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		// Only a provider-verified email may attach to an existing user.
		if !info.EmailVerified {
			rc.Logger().Warn("Refused to link unverified email", "provider", providerID, "user_id", user.ID)
			return nil, false, ErrAccountNotLinked.Err(http.StatusUnauthorized)
		}
		if err := p.storeTokens(ctx, rc, nil, user.ID, providerID, info.ID, tokens); err != nil {
			return nil, false, err
		}
		return user, false, nil
	}

	if (pc.DisableSignUp || p.config.DisableImplicitSignUp) && !fs.RequestSignUp {
		return nil, false, ErrSignUpDisabled.Err(http.StatusForbidden)
	}
	user, err = internal.CreateUser(ctx, session.NewUser{
		Name:          info.Name,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Image:         info.Picture,
	})
	if err != nil {
		return nil, false, err
	}
	if err := p.storeTokens(ctx, rc, nil, user.ID, providerID, info.ID, tokens); err != nil {
		return nil, false, err
	}
	rc.Logger().Info("Created user from provider", "provider", providerID, "user_id", user.ID)
	return user, true, nil
}

func (p *Plugin) storeTokens(ctx context.Context, rc *plugin.RequestContext, account *session.Account, userID, providerID, accountID string, tokens *token.Set) error {
	internal := rc.Auth.Internal
	if account != nil {
		_, err := internal.UpdateAccountTokens(ctx, account.ID, tokens)
		return err
	}
	_, err := internal.CreateAccount(ctx, session.NewAccount{
		UserID:     userID,
		ProviderID: providerID,
		AccountID:  accountID,
		Tokens:     tokens,
	})
	return err
}

func (p *Plugin) userAccount(ctx context.Context, rc *plugin.RequestContext) (ProviderConfig, *session.Account, error) {
	var in tokenInput
	if err := rc.Decode(&in); err != nil {
		return ProviderConfig{}, nil, err
	}
	pc, err := p.provider(in.ProviderID)
	if err != nil {
		return ProviderConfig{}, nil, err
	}
	account, err := rc.Auth.Internal.FindUserAccount(ctx, rc.User.ID, in.ProviderID)
	if err != nil {
		return ProviderConfig{}, nil, err
	}
	if account == nil {
		return ProviderConfig{}, nil, ErrAccountNotFound.Err(http.StatusNotFound)
	}
	return pc, account, nil
}

// refresh exchanges the account's refresh token and stores the new set.
func (p *Plugin) refresh(ctx context.Context, rc *plugin.RequestContext, pc ProviderConfig, account *session.Account) (*session.Account, error) {
	current := account.TokenSet()
	if current.RefreshToken == "" {
		return nil, ErrRefreshTokenNotFound.Err(http.StatusBadRequest)
	}
	if current.RefreshTokenExpired(p.now()) {
		return nil, ErrRefreshTokenExpired.Err(http.StatusUnauthorized)
	}

	providerID := pc.Provider.Name()
	instrumentation.AddProviderAttributes(trace.SpanFromContext(ctx), providerID, "refresh")
	set, err := pc.Provider.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		rc.Logger().Warn("Token refresh failed", "provider", providerID, "user_id", account.UserID, "error", err)
		rc.Auth.Auditor.LogAuthFailure(ctx, account.UserID, providerID, rc.ClientIP, "refresh_failed")
		if re, ok := token.RetrieveError(err); ok && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, ErrFailedToRefreshToken.Err(http.StatusUnauthorized).WithCause(err)
		}
		return nil, apierror.New(http.StatusBadGateway, apierror.CodeUpstreamUnavailable, "provider is unavailable").WithCause(err)
	}

	rotated := set.RefreshToken != current.RefreshToken
	updated, err := rc.Auth.Internal.UpdateAccountTokens(ctx, account.ID, set)
	if err != nil {
		return nil, err
	}
	rc.Auth.Metrics().RecordTokenRefresh(ctx, providerID, rotated)
	rc.Auth.Auditor.LogTokenRefreshed(ctx, account.UserID, providerID, rc.ClientIP, rotated)
	return updated, nil
}

func (p *Plugin) refreshToken(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	pc, account, err := p.userAccount(ctx, rc)
	if err != nil {
		return nil, err
	}
	updated, err := p.refresh(ctx, rc, pc, account)
	if err != nil {
		return nil, err
	}
	set := updated.TokenSet()
	body := tokenBody(set)
	body.RefreshToken = set.RefreshToken
	return plugin.JSON(body), nil
}

// accessToken returns a valid access token, refreshing it first when it
// expired and a refresh token is available.
func (p *Plugin) accessToken(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	pc, account, err := p.userAccount(ctx, rc)
	if err != nil {
		return nil, err
	}
	set := account.TokenSet()
	if set.AccessTokenExpired(p.now(), p.config.ClockSkew) && set.RefreshToken != "" {
		updated, err := p.refresh(ctx, rc, pc, account)
		if err != nil {
			return nil, err
		}
		set = updated.TokenSet()
	}
	return plugin.JSON(tokenBody(set)), nil
}

// AccountBody describes one linked account.
type AccountBody struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	AccountID  string    `json:"accountId"`
	Scopes     []string  `json:"scopes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (p *Plugin) listAccounts(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	accounts, err := rc.Auth.Internal.ListAccounts(ctx, rc.User.ID)
	if err != nil {
		return nil, err
	}
	out := make([]AccountBody, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountBody{
			ID:         a.ID,
			ProviderID: a.ProviderID,
			AccountID:  a.AccountID,
			Scopes:     a.TokenSet().Scopes,
			CreatedAt:  a.CreatedAt,
		})
	}
	return plugin.JSON(out), nil
}

func (p *Plugin) auditStateFailure(ctx context.Context, rc *plugin.RequestContext, providerID, reason string) {
	rc.Logger().Warn("OAuth callback rejected", "provider", providerID, "reason", reason, "ip", rc.ClientIP)
	rc.Auth.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventStateMismatch,
		IPAddress: rc.ClientIP,
		Details:   map[string]any{"provider": providerID, "reason": reason},
	})
}

func tokenBody(set *token.Set) TokenBody {
	return TokenBody{
		AccessToken:           set.AccessToken,
		IDToken:               set.IDToken,
		AccessTokenExpiresAt:  set.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: set.RefreshTokenExpiresAt,
		Scopes:                set.Scopes,
	}
}

func pkceMethod(fs *storage.FlowState) string {
	if fs.CodeVerifier == "" {
		return "none"
	}
	return pkce.MethodS256
}

func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
