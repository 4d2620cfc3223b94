package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/token"
)

const maxProfileSize = 1 << 20

// Endpoints are the provider URLs a Generic provider talks to.
type Endpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// RevokeURL is optional; RevokeToken is a no-op without it
	RevokeURL string

	// HealthURL is probed by HealthCheck (default: AuthURL's origin)
	HealthURL string
}

// ProfileMapper converts a decoded userinfo document into UserInfo.
type ProfileMapper func(profile map[string]any) (*UserInfo, error)

// UserInfoFunc overrides how a Generic provider identifies the user.
type UserInfoFunc func(ctx context.Context, client *http.Client, tokens *token.Set) (*UserInfo, error)

// GenericConfig configures a Generic provider.
type GenericConfig struct {
	Config

	// ID is returned by Name
	ID string

	Endpoints Endpoints

	// DefaultScopes are used when Config.Scopes is empty
	DefaultScopes []string

	// MapProfile maps the userinfo document (default: StandardClaims)
	MapProfile ProfileMapper

	// GetUserInfo replaces the userinfo endpoint call entirely
	GetUserInfo UserInfoFunc

	// AuthParams are added to every authorization URL
	AuthParams map[string]string

	Logger *slog.Logger
}

// Generic is a configurable OAuth 2.0 provider. The presets in the
// subpackages are Generic providers with fixed endpoints and mappers.
type Generic struct {
	id         string
	config     *oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
	mapProfile ProfileMapper
	userInfo   UserInfoFunc
	authParams map[string]string
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
}

var _ Provider = (*Generic)(nil)

// NewGeneric validates cfg and creates the provider.
func NewGeneric(cfg GenericConfig) (*Generic, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider ID is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.Endpoints.AuthURL == "" || cfg.Endpoints.TokenURL == "" {
		return nil, fmt.Errorf("provider %q: authorization and token URLs are required", cfg.ID)
	}
	if cfg.Endpoints.UserInfoURL == "" && cfg.GetUserInfo == nil {
		return nil, fmt.Errorf("provider %q: a userinfo URL or GetUserInfo is required", cfg.ID)
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(cfg.DefaultScopes)
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	mapper := cfg.MapProfile
	if mapper == nil {
		mapper = StandardClaims
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Generic{
		id: cfg.ID,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.Endpoints.AuthURL,
				TokenURL: cfg.Endpoints.TokenURL,
			},
		},
		endpoints:  cfg.Endpoints,
		httpClient: httpClient,
		timeout:    timeout,
		mapProfile: mapper,
		userInfo:   cfg.GetUserInfo,
		authParams: cfg.AuthParams,
		logger:     logger,
	}, nil
}

// SetInstrumentation records provider API calls.
func (p *Generic) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		p.metrics = inst.Metrics()
	}
}

// Name returns the provider ID.
func (p *Generic) Name() string { return p.id }

// DefaultScopes returns a copy of the configured scopes.
func (p *Generic) DefaultScopes() []string { return slices.Clone(p.config.Scopes) }

// HTTPClient returns the client used for provider calls.
func (p *Generic) HTTPClient() *http.Client { return p.httpClient }

// AuthorizationURL builds the authorization redirect.
func (p *Generic) AuthorizationURL(req AuthRequest) string {
	var opts []oauth2.AuthCodeOption
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	for k, v := range p.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	for k, v := range req.Extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	config := *p.config
	config.RedirectURL = req.RedirectURI
	if len(req.Scopes) > 0 {
		config.Scopes = slices.Clone(req.Scopes)
	}
	return config.AuthCodeURL(req.State, opts...)
}

// ensureContextTimeout adds the request timeout when ctx has no deadline.
func (p *Generic) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Generic) record(ctx context.Context, op string, start time.Time, status int, err error) {
	p.metrics.RecordProviderAPICall(ctx, p.id, op, status, float64(time.Since(start).Milliseconds()), err)
}

// ExchangeCode redeems an authorization code at the token endpoint.
func (p *Generic) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*token.Set, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	start := time.Now()
	set, err := token.ExchangeAuthorizationCode(ctx, token.ExchangeRequest{
		Code:          code,
		CodeVerifier:  codeVerifier,
		RedirectURI:   redirectURI,
		ClientID:      p.config.ClientID,
		ClientSecret:  p.config.ClientSecret,
		TokenEndpoint: p.config.Endpoint.TokenURL,
		HTTPClient:    p.httpClient,
	})
	p.record(ctx, "exchange", start, statusOf(err), err)
	if err != nil {
		return nil, err
	}
	if len(set.Scopes) == 0 {
		set.Scopes = slices.Clone(p.config.Scopes)
	}
	return set, nil
}

// RefreshToken exchanges a refresh token at the token endpoint.
func (p *Generic) RefreshToken(ctx context.Context, refreshToken string) (*token.Set, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	start := time.Now()
	set, err := token.RefreshAccessToken(ctx, token.RefreshRequest{
		RefreshToken:  refreshToken,
		ClientID:      p.config.ClientID,
		ClientSecret:  p.config.ClientSecret,
		TokenEndpoint: p.config.Endpoint.TokenURL,
		HTTPClient:    p.httpClient,
	})
	p.record(ctx, "refresh", start, statusOf(err), err)
	return set, err
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if re, ok := token.RetrieveError(err); ok && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

// UserInfo calls the userinfo endpoint, or GetUserInfo when configured.
func (p *Generic) UserInfo(ctx context.Context, tokens *token.Set) (*UserInfo, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	if p.userInfo != nil {
		return p.userInfo(ctx, p.httpClient, tokens)
	}
	profile, err := p.FetchJSON(ctx, p.endpoints.UserInfoURL, tokens.AccessToken, "userinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	info, err := p.mapProfile(profile)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, ErrUserInfoUnavailable
	}
	info.Raw = profile
	return info, nil
}

// FetchJSON GETs url with a bearer token and decodes a JSON object.
func (p *Generic) FetchJSON(ctx context.Context, url, accessToken, op string) (map[string]any, error) {
	var out map[string]any
	if err := p.fetch(ctx, url, accessToken, op, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch GETs url with a bearer token and decodes the JSON body into v.
func (p *Generic) Fetch(ctx context.Context, url, accessToken, op string, v any) error {
	return p.fetch(ctx, url, accessToken, op, v)
}

func (p *Generic) fetch(ctx context.Context, url, accessToken, op string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.record(ctx, op, start, 0, err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s request failed with status %d", op, resp.StatusCode)
		p.record(ctx, op, start, resp.StatusCode, err)
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileSize)).Decode(v); err != nil {
		p.record(ctx, op, start, resp.StatusCode, err)
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	p.record(ctx, op, start, resp.StatusCode, nil)
	return nil
}

// RevokeToken posts the token to the revocation endpoint (RFC 7009).
func (p *Generic) RevokeToken(ctx context.Context, tok string) error {
	if p.endpoints.RevokeURL == "" {
		return nil
	}
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	form := url.Values{"token": {tok}, "client_id": {p.config.ClientID}}
	if p.config.ClientSecret != "" {
		form.Set("client_secret", p.config.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoints.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.record(ctx, "revoke", start, 0, err)
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	p.record(ctx, "revoke", start, resp.StatusCode, nil)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck verifies that the provider answers HTTP requests.
func (p *Generic) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	target := p.endpoints.HealthURL
	if target == "" {
		u, err := url.Parse(p.config.Endpoint.AuthURL)
		if err != nil {
			return fmt.Errorf("invalid authorization URL: %w", err)
		}
		target = u.Scheme + "://" + u.Host
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s unreachable: %w", p.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("provider %s health check failed with status %d", p.id, resp.StatusCode)
	}
	return nil
}

// StandardClaims maps OIDC standard claims (sub, email, email_verified,
// name, picture, groups).
func StandardClaims(profile map[string]any) (*UserInfo, error) {
	info := &UserInfo{
		ID:      stringClaim(profile, "sub"),
		Email:   stringClaim(profile, "email"),
		Name:    stringClaim(profile, "name"),
		Picture: stringClaim(profile, "picture"),
	}
	if info.ID == "" {
		info.ID = stringClaim(profile, "id")
	}
	switch v := profile["email_verified"].(type) {
	case bool:
		info.EmailVerified = v
	case string:
		info.EmailVerified = v == "true"
	}
	if groups, ok := profile["groups"].([]any); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				info.Groups = append(info.Groups, s)
			}
		}
		if err := ValidateGroups(info.Groups); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func stringClaim(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return ""
}
