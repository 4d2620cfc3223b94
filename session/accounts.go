package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/token"
)

var encryptedAccountFields = []string{"accessToken", "refreshToken", "idToken"}

// NewAccount describes an account to link to a user.
type NewAccount struct {
	UserID     string
	ProviderID string
	AccountID  string
	Tokens     *token.Set
	Password   string // bcrypt hash for credential accounts
}

func (m *Manager) encryptTokens(fields adapter.Record) error {
	for _, f := range encryptedAccountFields {
		v, ok := fields[f].(string)
		if !ok || v == "" {
			continue
		}
		enc, err := m.encryptor.Encrypt(v)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", f, err)
		}
		fields[f] = enc
	}
	return nil
}

func (m *Manager) accountFromRecord(rec adapter.Record) (*Account, error) {
	if rec == nil {
		return nil, nil
	}
	a := &Account{
		ID:                    rec.String("id"),
		UserID:                rec.String("userId"),
		ProviderID:            rec.String("providerId"),
		AccountID:             rec.String("accountId"),
		Scope:                 rec.String("scope"),
		Password:              rec.String("password"),
		AccessTokenExpiresAt:  rec.TimePtr("accessTokenExpiresAt"),
		RefreshTokenExpiresAt: rec.TimePtr("refreshTokenExpiresAt"),
	}
	a.CreatedAt, _ = rec.Time("createdAt")
	a.UpdatedAt, _ = rec.Time("updatedAt")

	targets := map[string]*string{
		"accessToken":  &a.AccessToken,
		"refreshToken": &a.RefreshToken,
		"idToken":      &a.IDToken,
	}
	for field, dst := range targets {
		v := rec.String(field)
		if v == "" {
			continue
		}
		plain, err := m.encryptor.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s of account %s: %w", field, a.ID, err)
		}
		*dst = plain
	}
	return a, nil
}

func tokenFields(set *token.Set) adapter.Record {
	fields := adapter.Record{}
	if set == nil {
		return fields
	}
	fields["accessToken"] = set.AccessToken
	if set.RefreshToken != "" {
		fields["refreshToken"] = set.RefreshToken
	}
	if set.IDToken != "" {
		fields["idToken"] = set.IDToken
	}
	if set.AccessTokenExpiresAt != nil {
		fields["accessTokenExpiresAt"] = *set.AccessTokenExpiresAt
	}
	if set.RefreshTokenExpiresAt != nil {
		fields["refreshTokenExpiresAt"] = *set.RefreshTokenExpiresAt
	}
	if len(set.Scopes) > 0 {
		fields["scope"] = strings.Join(set.Scopes, ",")
	}
	return fields
}

// CreateAccount links a provider identity to a user.
func (m *Manager) CreateAccount(ctx context.Context, na NewAccount) (*Account, error) {
	fields := tokenFields(na.Tokens)
	fields["userId"] = na.UserID
	fields["providerId"] = na.ProviderID
	fields["accountId"] = na.AccountID
	if na.Password != "" {
		fields["password"] = na.Password
	}
	if err := m.encryptTokens(fields); err != nil {
		return nil, err
	}
	rec, err := m.adapter.Create(ctx, ModelAccount, m.newRecord(fields))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return m.accountFromRecord(rec)
}

// FindAccount returns the account of a provider identity, or nil.
func (m *Manager) FindAccount(ctx context.Context, providerID, accountID string) (*Account, error) {
	rec, err := m.adapter.FindOne(ctx, ModelAccount, []adapter.Where{
		adapter.Eq("providerId", providerID),
		adapter.Eq("accountId", accountID),
	})
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return m.accountFromRecord(rec)
}

// FindUserAccount returns the user's account at providerID, or nil.
func (m *Manager) FindUserAccount(ctx context.Context, userID, providerID string) (*Account, error) {
	rec, err := m.adapter.FindOne(ctx, ModelAccount, []adapter.Where{
		adapter.Eq("userId", userID),
		adapter.Eq("providerId", providerID),
	})
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return m.accountFromRecord(rec)
}

// ListAccounts returns every account of a user.
func (m *Manager) ListAccounts(ctx context.Context, userID string) ([]*Account, error) {
	recs, err := m.adapter.FindMany(ctx, ModelAccount, []adapter.Where{adapter.Eq("userId", userID)})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]*Account, 0, len(recs))
	for _, rec := range recs {
		a, err := m.accountFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// UpdateAccountTokens stores a new token set on an account. A set
// without refresh token keeps the stored one.
func (m *Manager) UpdateAccountTokens(ctx context.Context, accountID string, set *token.Set) (*Account, error) {
	fields := tokenFields(set)
	fields["updatedAt"] = m.now()
	if err := m.encryptTokens(fields); err != nil {
		return nil, err
	}
	rec, err := m.adapter.Update(ctx, ModelAccount, fields, []adapter.Where{adapter.Eq("id", accountID)})
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return m.accountFromRecord(rec)
}

// TokenSet returns the account's stored tokens as a token.Set.
func (a *Account) TokenSet() *token.Set {
	set := &token.Set{
		AccessToken:           a.AccessToken,
		RefreshToken:          a.RefreshToken,
		IDToken:               a.IDToken,
		AccessTokenExpiresAt:  a.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: a.RefreshTokenExpiresAt,
	}
	if a.Scope != "" {
		set.Scopes = strings.Split(a.Scope, ",")
	}
	return set
}

// UpdateAccountPassword replaces the password hash of a credential account.
func (m *Manager) UpdateAccountPassword(ctx context.Context, accountID, hash string) error {
	rec, err := m.adapter.Update(ctx, ModelAccount, adapter.Record{
		"password":  hash,
		"updatedAt": m.now(),
	}, []adapter.Where{adapter.Eq("id", accountID)})
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	return nil
}
