package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultStateTTL bounds how long a sign-in redirect may stay pending
const DefaultStateTTL = 10 * time.Minute

var (
	// ErrStateNotFound is returned for unknown, expired or already consumed states
	ErrStateNotFound = errors.New("flow state not found")

	// ErrInvalidState is returned when a flow state cannot be saved
	ErrInvalidState = errors.New("invalid flow state")
)

// FlowState is the per-flow data kept between the authorization redirect
// and the provider callback.
type FlowState struct {
	// State is the OAuth state parameter and the store key
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier sent to the token endpoint
	CodeVerifier string `json:"codeVerifier,omitempty"`

	// ProviderID names the provider the flow was started for
	ProviderID string `json:"providerId"`

	// CallbackURL is where the user lands after a successful sign-in
	CallbackURL string `json:"callbackURL,omitempty"`

	// ErrorCallbackURL is where the user lands after a failed sign-in
	ErrorCallbackURL string `json:"errorCallbackURL,omitempty"`

	// NewUserCallbackURL replaces CallbackURL when the user was just created
	NewUserCallbackURL string `json:"newUserCallbackURL,omitempty"`

	// LinkUserID is set when the flow links an account to an existing user
	LinkUserID string `json:"linkUserId,omitempty"`

	// RequestSignUp allows user creation when implicit sign-up is disabled
	RequestSignUp bool `json:"requestSignUp,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Validate checks that the state can be stored.
func (f *FlowState) Validate() error {
	if f == nil || f.State == "" {
		return fmt.Errorf("%w: state is required", ErrInvalidState)
	}
	if f.ProviderID == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidState)
	}
	return nil
}

// TTL returns the remaining lifetime, applying DefaultStateTTL when
// ExpiresAt is unset. A non-positive result means the state is expired.
func (f *FlowState) TTL(now time.Time) time.Duration {
	if f.ExpiresAt.IsZero() {
		return DefaultStateTTL
	}
	return f.ExpiresAt.Sub(now)
}

// StateStore keeps flow states keyed by their state value. ConsumeState is
// single-use: it returns the state and removes it atomically.
type StateStore interface {
	SaveState(ctx context.Context, state *FlowState) error
	ConsumeState(ctx context.Context, state string) (*FlowState, error)
}

// Marshal encodes a flow state for key/value backends, filling in the
// timestamps when they are unset.
func Marshal(f *FlowState, now time.Time) ([]byte, time.Duration, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	cp := *f
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	ttl := cp.TTL(now)
	if ttl <= 0 {
		return nil, 0, fmt.Errorf("%w: already expired", ErrInvalidState)
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = now.Add(ttl)
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal flow state: %w", err)
	}
	return data, ttl, nil
}

// Unmarshal decodes a flow state written by Marshal and rejects it when it
// has expired in the meantime.
func Unmarshal(data []byte, now time.Time) (*FlowState, error) {
	var f FlowState
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
	}
	if !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	return &f, nil
}
