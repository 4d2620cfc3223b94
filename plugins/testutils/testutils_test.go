package testutils_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/giantswarm/mcp-auth"
	"github.com/giantswarm/mcp-auth/internal/testutil"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/credential"
	"github.com/giantswarm/mcp-auth/plugins/testutils"
	"github.com/giantswarm/mcp-auth/session"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	baseURL    = "http://localhost:3000/api/auth"
)

func newAuth(t *testing.T, plugins ...plugin.Plugin) (*auth.Auth, *testutils.Helpers) {
	t.Helper()
	a, err := auth.New(context.Background(), auth.Config{
		Secret:  testSecret,
		BaseURL: "http://localhost:3000",
	}, plugins...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	h, ok := plugin.ExtensionAs[*testutils.Helpers](a.Context(), testutils.ExtensionName)
	require.True(t, ok, "helpers are attached to the context")
	return a, h
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	a, h := newAuth(t, testutils.New(testutils.Config{}))

	user, err := h.CreateUser(ctx, session.NewUser{Name: "Test", Email: "test@example.com"})
	require.NoError(t, err)

	login, err := h.Login(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, login.User.ID)
	assert.Equal(t, login.Token, login.Session.Token)

	rr := testutil.NewHTTPRequest(http.MethodGet, baseURL+"/get-session").
		WithCookies(login.Cookie).
		Do(a.Handler())
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		User session.User `json:"user"`
	}
	testutil.DecodeJSON(t, rr, &body)
	assert.Equal(t, user.ID, body.User.ID)

	headers, err := h.AuthHeaders(ctx, user.ID)
	require.NoError(t, err)
	req := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/sign-out")
	for k := range headers {
		req = req.WithHeader(k, headers.Get(k))
	}
	rr = req.Do(a.Handler())
	assert.Equal(t, http.StatusOK, rr.Code, "bearer headers authenticate")

	_, err = h.Login(ctx, "missing")
	assert.Error(t, err)
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	a, h := newAuth(t, testutils.New(testutils.Config{}))

	user, err := h.CreateUser(ctx, session.NewUser{Email: "gone@example.com"})
	require.NoError(t, err)
	login, err := h.Login(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, h.DeleteUser(ctx, user.ID))

	found, err := a.Context().Internal.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	rr := testutil.NewHTTPRequest(http.MethodGet, baseURL+"/get-session").
		WithCookies(login.Cookie).
		Do(a.Handler())
	assert.Equal(t, "null", strings.TrimSpace(rr.Body.String()), "sessions are removed with the user")
}

func TestOTPCapture(t *testing.T) {
	ctx := context.Background()
	a, h := newAuth(t, testutils.New(testutils.Config{
		CaptureOTP:  true,
		OTPPrefixes: []string{"email-otp:"},
	}))
	internal := a.Context().Internal

	_, err := internal.CreateVerification(ctx, "email-otp:test@example.com", "123456", time.Minute)
	require.NoError(t, err)
	_, err = internal.CreateVerification(ctx, "other:test@example.com", "secret", time.Minute)
	require.NoError(t, err)

	otp, ok := h.OTP("email-otp:test@example.com")
	require.True(t, ok)
	assert.Equal(t, "123456", otp)

	_, ok = h.OTP("other:test@example.com")
	assert.False(t, ok, "identifiers outside the prefixes are ignored")

	h.ClearOTPs()
	_, ok = h.OTP("email-otp:test@example.com")
	assert.False(t, ok)
}

func TestOTPCapture_Disabled(t *testing.T) {
	ctx := context.Background()
	a, h := newAuth(t, testutils.New(testutils.Config{}))

	_, err := a.Context().Internal.CreateVerification(ctx, "email-otp:x@example.com", "1", time.Minute)
	require.NoError(t, err)
	_, ok := h.OTP("email-otp:x@example.com")
	assert.False(t, ok)
}

func TestPasswords(t *testing.T) {
	t.Run("without credential plugin", func(t *testing.T) {
		_, h := newAuth(t, testutils.New(testutils.Config{}))
		assert.Nil(t, h.Passwords)
	})

	t.Run("with credential plugin", func(t *testing.T) {
		ctx := context.Background()
		a, h := newAuth(t,
			credential.New(credential.Config{BcryptCost: bcrypt.MinCost}),
			testutils.New(testutils.Config{}),
		)
		require.NotNil(t, h.Passwords)

		_, err := h.Passwords.CreateUser(ctx, session.NewUser{Email: "pw@example.com"}, "correct-horse-battery")
		require.NoError(t, err)

		rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/sign-in/email").
			WithJSON(`{"email":"pw@example.com","password":"correct-horse-battery"}`).
			Do(a.Handler())
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})
}
