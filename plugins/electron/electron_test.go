package electron_test

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	auth "github.com/giantswarm/mcp-auth"
	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/adapter/memory"
	"github.com/giantswarm/mcp-auth/internal/testutil"
	"github.com/giantswarm/mcp-auth/plugins/credential"
	"github.com/giantswarm/mcp-auth/plugins/electron"
	"github.com/giantswarm/mcp-auth/session"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	baseURL    = "http://localhost:3000/api/auth"
)

type fixture struct {
	auth   *auth.Auth
	clock  *testutil.MockTime
	bearer string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithDB(t, nil)
}

func newFixtureWithDB(t *testing.T, db adapter.Adapter) *fixture {
	t.Helper()
	a, err := auth.New(context.Background(), auth.Config{
		Secret:   testSecret,
		BaseURL:  "http://localhost:3000",
		Database: db,
	},
		credential.New(credential.Config{BcryptCost: bcrypt.MinCost}),
		electron.New(electron.Config{RedirectURL: "myapp://auth/callback"}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	clock := testutil.NewMockTime(time.Now())
	a.Context().Internal.SetClock(clock.Now)

	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/sign-up/email").
		WithJSON(`{"name":"Ada","email":"ada@example.com","password":"correct horse"}`).
		Do(a.Handler())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body struct {
		Token string `json:"token"`
	}
	testutil.DecodeJSON(t, rr, &body)
	return &fixture{auth: a, clock: clock, bearer: "Bearer " + body.Token}
}

func (f *fixture) authorize(t *testing.T, body string) electron.AuthorizeBody {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/authorize").
		WithHeader("Authorization", f.bearer).
		WithJSON(body).
		Do(f.auth.Handler())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out electron.AuthorizeBody
	testutil.DecodeJSON(t, rr, &out)
	return out
}

func errorCode(t *testing.T, f *fixture, token, verifier, state string) (int, string) {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/token").
		WithJSON(`{"token":"` + token + `","code_verifier":"` + verifier + `","state":"` + state + `"}`).
		Do(f.auth.Handler())
	var e struct {
		Code string `json:"code"`
	}
	testutil.DecodeJSON(t, rr, &e)
	return rr.Code, e.Code
}

func TestHandoff(t *testing.T) {
	f := newFixture(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	out := f.authorize(t, `{"code_challenge":"`+challenge+`","code_challenge_method":"s256","state":"xyz"}`)
	require.NotEmpty(t, out.Token)
	link, err := url.Parse(out.URL)
	require.NoError(t, err)
	assert.Equal(t, "myapp", link.Scheme)
	assert.Equal(t, out.Token, link.Query().Get("token"))
	assert.Equal(t, "xyz", link.Query().Get("state"))

	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/token").
		WithJSON(`{"token":"` + out.Token + `","code_verifier":"` + verifier + `","state":"xyz"}`).
		Do(f.auth.Handler())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var signedIn struct {
		Token string `json:"token"`
		User  struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	testutil.DecodeJSON(t, rr, &signedIn)
	assert.NotEmpty(t, signedIn.Token)
	assert.Equal(t, "ada@example.com", signedIn.User.Email)
	assert.NotNil(t, testutil.Cookie(rr, session.DefaultCookieName))

	// Replay fails because the record is gone.
	status, code := errorCode(t, f, out.Token, verifier, "xyz")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_OR_EXPIRED_TOKEN", code)
}

func TestHandoff_ConcurrentRedeem(t *testing.T) {
	gate := testutil.NewGateAdapter(memory.New(), session.ModelVerification, 2)
	f := newFixtureWithDB(t, gate)
	challenge, verifier := testutil.GeneratePKCEPair()
	out := f.authorize(t, `{"code_challenge":"`+challenge+`","state":"xyz"}`)

	gate.Arm()
	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/token").
				WithJSON(`{"token":"` + out.Token + `","code_verifier":"` + verifier + `","state":"xyz"}`).
				Do(f.auth.Handler())
			statuses[i] = rr.Code
		}()
	}
	wg.Wait()

	sort.Ints(statuses)
	assert.Equal(t, []int{http.StatusOK, http.StatusBadRequest}, statuses, "a handoff token is redeemed once")
}

func TestHandoff_ValidationOrder(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		authorize string
		verifier  string
		state     string
		expire    bool
		wantCode  string
	}{
		{
			name:      "expired record",
			authorize: `{"code_challenge":"` + challenge + `","state":"xyz"}`,
			verifier:  verifier,
			state:     "xyz",
			expire:    true,
			wantCode:  "INVALID_OR_EXPIRED_TOKEN",
		},
		{
			name:      "record without state",
			authorize: `{"code_challenge":"` + challenge + `","state":""}`,
			verifier:  "wrong",
			state:     "other",
			wantCode:  "STATE_NOT_FOUND",
		},
		{
			name:      "state mismatch",
			authorize: `{"code_challenge":"` + challenge + `","state":"xyz"}`,
			verifier:  "wrong",
			state:     "abc",
			wantCode:  "STATE_MISMATCH",
		},
		{
			name:      "record without challenge",
			authorize: `{"code_challenge":"","state":"xyz"}`,
			verifier:  verifier,
			state:     "xyz",
			wantCode:  "MISSING_CODE_CHALLENGE",
		},
		{
			name:      "wrong verifier",
			authorize: `{"code_challenge":"` + challenge + `","state":"xyz"}`,
			verifier:  testutil.GenerateRandomString(43),
			state:     "xyz",
			wantCode:  "INVALID_CODE_VERIFIER",
		},
		{
			name:      "plain method mismatch",
			authorize: `{"code_challenge":"` + challenge + `","code_challenge_method":"plain","state":"xyz"}`,
			verifier:  verifier,
			state:     "xyz",
			wantCode:  "INVALID_CODE_VERIFIER",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.authorize(t, tt.authorize)
			if tt.expire {
				f.clock.Advance(electron.DefaultTTL + time.Second)
			}
			status, code := errorCode(t, f, out.Token, tt.verifier, tt.state)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestAuthorize_RequiresSession(t *testing.T) {
	f := newFixture(t)
	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/authorize").
		WithJSON(`{"code_challenge":"abc","state":"xyz"}`).
		Do(f.auth.Handler())
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthorize_UnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	rr := testutil.NewHTTPRequest(http.MethodPost, baseURL+"/electron/authorize").
		WithHeader("Authorization", f.bearer).
		WithJSON(`{"code_challenge":"abc","code_challenge_method":"md5","state":"xyz"}`).
		Do(f.auth.Handler())
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestValidate(t *testing.T) {
	if err := electron.New(electron.Config{RedirectURL: "not a url"}).Validate(); err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
}
