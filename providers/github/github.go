package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/token"
)

// ProviderID is the provider ID of the preset.
const ProviderID = "github"

// DefaultAPIBaseURL is the GitHub REST API.
const DefaultAPIBaseURL = "https://api.github.com"

// ErrOrganizationRequired is returned when the user is not a member of
// any allowed organization.
var ErrOrganizationRequired = errors.New("user is not a member of any allowed organization")

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"user:email", "read:user"}

// Config configures the GitHub provider.
type Config struct {
	providers.Config

	// RequireVerifiedEmail only accepts verified emails (default: true)
	RequireVerifiedEmail *bool

	// AllowedOrganizations restricts sign-in to members of these
	// organizations. read:org is added to the scopes when set.
	AllowedOrganizations []string

	// APIBaseURL overrides DefaultAPIBaseURL (GitHub Enterprise, tests)
	APIBaseURL string

	// AuthURL and TokenURL override github.com's OAuth endpoints
	AuthURL  string
	TokenURL string

	Logger *slog.Logger
}

// Provider is the GitHub OAuth App provider. GitHub issues non-expiring
// access tokens, so RefreshToken always fails.
type Provider struct {
	*providers.Generic

	apiBase              string
	allowedOrganizations []string
	requireVerifiedEmail bool
}

var _ providers.Provider = (*Provider)(nil)

// New creates the GitHub provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientSecret == "" {
		return nil, providers.ErrClientSecretRequired
	}
	for _, org := range cfg.AllowedOrganizations {
		if org == "" {
			return nil, fmt.Errorf("organization name cannot be empty")
		}
		// GitHub org names: 1-39 chars
		if len(org) > 39 {
			return nil, fmt.Errorf("organization name %q exceeds maximum length of 39 characters", org)
		}
	}

	scopes := slices.Clone(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(DefaultScopes)
	}
	if len(cfg.AllowedOrganizations) > 0 && !slices.Contains(scopes, "read:org") {
		scopes = append(scopes, "read:org")
	}
	cfg.Scopes = scopes

	requireVerified := true
	if cfg.RequireVerifiedEmail != nil {
		requireVerified = *cfg.RequireVerifiedEmail
	}
	apiBase := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	authURL, tokenURL := oauthgithub.Endpoint.AuthURL, oauthgithub.Endpoint.TokenURL
	if cfg.AuthURL != "" {
		authURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}

	p := &Provider{
		apiBase:              apiBase,
		allowedOrganizations: slices.Clone(cfg.AllowedOrganizations),
		requireVerifiedEmail: requireVerified,
	}
	generic, err := providers.NewGeneric(providers.GenericConfig{
		Config: cfg.Config,
		ID:     ProviderID,
		Endpoints: providers.Endpoints{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			HealthURL: apiBase + "/rate_limit",
		},
		GetUserInfo: p.userInfo,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	p.Generic = generic
	return p, nil
}

type ghUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type ghEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *Provider) userInfo(ctx context.Context, _ *http.Client, tokens *token.Set) (*providers.UserInfo, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return nil, providers.ErrUserInfoUnavailable
	}
	var user ghUser
	if err := p.Fetch(ctx, p.apiBase+"/user", tokens.AccessToken, "user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if user.ID == 0 {
		return nil, providers.ErrUserInfoUnavailable
	}

	info := &providers.UserInfo{
		ID:      strconv.FormatInt(user.ID, 10),
		Name:    user.Name,
		Picture: user.AvatarURL,
		Raw:     map[string]any{"login": user.Login},
	}
	if info.Name == "" {
		info.Name = user.Login
	}

	// /user only shows the public email; /user/emails has the verified one
	email, verified, err := p.primaryEmail(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if email == "" && !p.requireVerifiedEmail {
		email = user.Email
	}
	if email == "" {
		return nil, fmt.Errorf("github account has no verified email address")
	}
	info.Email, info.EmailVerified = email, verified

	if len(p.allowedOrganizations) > 0 {
		orgs, err := p.Organizations(ctx, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		if !p.memberOfAllowed(orgs) {
			return nil, ErrOrganizationRequired
		}
		info.Groups = orgs
	}
	return info, nil
}

func (p *Provider) primaryEmail(ctx context.Context, accessToken string) (string, bool, error) {
	var emails []ghEmail
	if err := p.Fetch(ctx, p.apiBase+"/user/emails", accessToken, "emails", &emails); err != nil {
		return "", false, fmt.Errorf("failed to fetch emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && (e.Verified || !p.requireVerifiedEmail) {
			return e.Email, e.Verified, nil
		}
	}
	for _, e := range emails {
		if e.Verified || !p.requireVerifiedEmail {
			return e.Email, e.Verified, nil
		}
	}
	return "", false, nil
}

// Organizations returns the logins of the user's organizations.
func (p *Provider) Organizations(ctx context.Context, accessToken string) ([]string, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := p.Fetch(ctx, p.apiBase+"/user/orgs", accessToken, "orgs", &orgs); err != nil {
		return nil, fmt.Errorf("failed to fetch organizations: %w", err)
	}
	out := make([]string, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, o.Login)
	}
	if err := providers.ValidateGroups(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) memberOfAllowed(orgs []string) bool {
	for _, org := range orgs {
		for _, allowed := range p.allowedOrganizations {
			if strings.EqualFold(org, allowed) {
				return true
			}
		}
	}
	return false
}

// RefreshToken always returns providers.ErrRefreshNotSupported.
func (p *Provider) RefreshToken(context.Context, string) (*token.Set, error) {
	return nil, providers.ErrRefreshNotSupported
}
