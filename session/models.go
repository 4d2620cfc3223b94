package session

import (
	"time"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/schema"
)

// Model names of the core schema.
const (
	ModelUser         = "user"
	ModelSession      = "session"
	ModelAccount      = "account"
	ModelVerification = "verification"
)

// ProviderCredential is the account provider ID used for email/password
// accounts.
const ProviderCredential = "credential"

// CoreSchema returns the models every instance needs. Plugins add fields
// and models on top of it.
func CoreSchema() schema.Schema {
	userRef := &schema.Reference{Model: ModelUser, Field: "id", OnDelete: "cascade"}
	return schema.Schema{
		ModelUser: {Fields: map[string]schema.Field{
			"name":          {Type: schema.TypeString},
			"email":         {Type: schema.TypeString, Required: true, Unique: true},
			"emailVerified": {Type: schema.TypeBoolean, Required: true, Default: false},
			"image":         {Type: schema.TypeString},
			"createdAt":     {Type: schema.TypeDate, Required: true},
			"updatedAt":     {Type: schema.TypeDate, Required: true},
		}},
		ModelSession: {Fields: map[string]schema.Field{
			"userId":    {Type: schema.TypeString, Required: true, References: userRef},
			"token":     {Type: schema.TypeString, Required: true, Unique: true},
			"expiresAt": {Type: schema.TypeDate, Required: true},
			"ipAddress": {Type: schema.TypeString},
			"userAgent": {Type: schema.TypeString},
			"createdAt": {Type: schema.TypeDate, Required: true},
			"updatedAt": {Type: schema.TypeDate, Required: true},
		}},
		ModelAccount: {Fields: map[string]schema.Field{
			"userId":                {Type: schema.TypeString, Required: true, References: userRef},
			"providerId":            {Type: schema.TypeString, Required: true},
			"accountId":             {Type: schema.TypeString, Required: true},
			"accessToken":           {Type: schema.TypeString},
			"refreshToken":          {Type: schema.TypeString},
			"idToken":               {Type: schema.TypeString},
			"accessTokenExpiresAt":  {Type: schema.TypeDate},
			"refreshTokenExpiresAt": {Type: schema.TypeDate},
			"scope":                 {Type: schema.TypeString},
			"password":              {Type: schema.TypeString},
			"createdAt":             {Type: schema.TypeDate, Required: true},
			"updatedAt":             {Type: schema.TypeDate, Required: true},
		}},
		ModelVerification: {Fields: map[string]schema.Field{
			"identifier": {Type: schema.TypeString, Required: true},
			"value":      {Type: schema.TypeString, Required: true},
			"expiresAt":  {Type: schema.TypeDate, Required: true},
			"createdAt":  {Type: schema.TypeDate, Required: true},
			"updatedAt":  {Type: schema.TypeDate, Required: true},
		}},
	}
}

// User is a person who can sign in.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	Image         string    `json:"image,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Extra holds fields contributed by plugins.
	Extra map[string]any `json:"-"`
}

// Session is an authenticated session identified by an opaque token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Account links a user to a provider identity. Token fields are returned
// decrypted.
type Account struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"userId"`
	ProviderID            string     `json:"providerId"`
	AccountID             string     `json:"accountId"`
	AccessToken           string     `json:"-"`
	RefreshToken          string     `json:"-"`
	IDToken               string     `json:"-"`
	AccessTokenExpiresAt  *time.Time `json:"accessTokenExpiresAt,omitempty"`
	RefreshTokenExpiresAt *time.Time `json:"refreshTokenExpiresAt,omitempty"`
	Scope                 string     `json:"scope,omitempty"`
	Password              string     `json:"-"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// Verification is a short-lived value keyed by identifier, used for
// handoff tokens, OTPs and similar one-time secrets.
type Verification struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Value      string    `json:"value"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

var coreUserFields = map[string]bool{
	"id": true, "name": true, "email": true, "emailVerified": true,
	"image": true, "createdAt": true, "updatedAt": true,
}

func userFromRecord(rec adapter.Record) *User {
	if rec == nil {
		return nil
	}
	u := &User{
		ID:            rec.String("id"),
		Name:          rec.String("name"),
		Email:         rec.String("email"),
		EmailVerified: rec.Bool("emailVerified"),
		Image:         rec.String("image"),
	}
	u.CreatedAt, _ = rec.Time("createdAt")
	u.UpdatedAt, _ = rec.Time("updatedAt")
	for k, v := range rec {
		if !coreUserFields[k] {
			if u.Extra == nil {
				u.Extra = map[string]any{}
			}
			u.Extra[k] = v
		}
	}
	return u
}

func sessionFromRecord(rec adapter.Record) *Session {
	if rec == nil {
		return nil
	}
	s := &Session{
		ID:        rec.String("id"),
		UserID:    rec.String("userId"),
		Token:     rec.String("token"),
		IPAddress: rec.String("ipAddress"),
		UserAgent: rec.String("userAgent"),
	}
	s.ExpiresAt, _ = rec.Time("expiresAt")
	s.CreatedAt, _ = rec.Time("createdAt")
	s.UpdatedAt, _ = rec.Time("updatedAt")
	return s
}

func verificationFromRecord(rec adapter.Record) *Verification {
	if rec == nil {
		return nil
	}
	v := &Verification{
		ID:         rec.String("id"),
		Identifier: rec.String("identifier"),
		Value:      rec.String("value"),
	}
	v.ExpiresAt, _ = rec.Time("expiresAt")
	v.CreatedAt, _ = rec.Time("createdAt")
	v.UpdatedAt, _ = rec.Time("updatedAt")
	return v
}
