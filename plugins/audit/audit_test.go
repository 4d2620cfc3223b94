package audit_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/giantswarm/mcp-auth"
	"github.com/giantswarm/mcp-auth/internal/testutil"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/audit"
	"github.com/giantswarm/mcp-auth/plugins/ratelimit"
	"github.com/giantswarm/mcp-auth/security"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	baseURL    = "http://localhost:3000/api/auth"
)

type recorder struct {
	events []security.Event
}

func (r *recorder) sink(_ context.Context, e security.Event) { r.events = append(r.events, e) }

func newAuth(t *testing.T, logger *slog.Logger, plugins ...plugin.Plugin) *auth.Auth {
	t.Helper()
	a, err := auth.New(context.Background(), auth.Config{
		Secret:  testSecret,
		BaseURL: "http://localhost:3000",
		Logger:  logger,
	}, plugins...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRecordsFailures(t *testing.T) {
	rec := &recorder{}
	a := newAuth(t, nil, audit.New(audit.Config{Sink: rec.sink}))

	rr := testutil.NewHTTPRequest(http.MethodGet, baseURL+"/ok").Do(a.Handler())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rec.events, "successes are not recorded by default")

	rr = testutil.NewHTTPRequest(http.MethodPost, baseURL+"/sign-out").
		WithHeader("User-Agent", "test-agent").
		Do(a.Handler())
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Len(t, rec.events, 1)

	e := rec.events[0]
	assert.Equal(t, security.EventRequestFailed, e.Type)
	assert.Equal(t, auth.OperationSignOut, e.Details["operation"])
	assert.Equal(t, http.StatusUnauthorized, e.Details["status"])
	assert.Equal(t, "UNAUTHORIZED", e.Details["code"])
	assert.Equal(t, "test-agent", e.Details["user_agent"])
	assert.NotEmpty(t, e.IPAddress)
}

func TestIncludeSuccessAndOperations(t *testing.T) {
	rec := &recorder{}
	a := newAuth(t, nil, audit.New(audit.Config{
		IncludeSuccess: true,
		Operations:     []string{auth.OperationOK},
		Sink:           rec.sink,
	}))

	testutil.NewHTTPRequest(http.MethodGet, baseURL+"/ok").Do(a.Handler())
	testutil.NewHTTPRequest(http.MethodGet, baseURL+"/get-session").Do(a.Handler())

	require.Len(t, rec.events, 1)
	assert.Equal(t, security.EventRequestCompleted, rec.events[0].Type)
	assert.Equal(t, http.StatusOK, rec.events[0].Details["status"])
}

func TestRecordsShortCircuitedRequests(t *testing.T) {
	rec := &recorder{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	a := newAuth(t, logger,
		ratelimit.New(ratelimit.Config{Rules: map[string]ratelimit.Rule{"/ok": {Window: time.Minute, Max: 1}}}),
		audit.New(audit.Config{Sink: rec.sink}),
	)

	testutil.NewHTTPRequest(http.MethodGet, baseURL+"/ok").Do(a.Handler())
	rr := testutil.NewHTTPRequest(http.MethodGet, baseURL+"/ok").Do(a.Handler())
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	var failed []security.Event
	for _, e := range rec.events {
		if e.Type == security.EventRequestFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, http.StatusTooManyRequests, failed[0].Details["status"])
	assert.Equal(t, true, failed[0].Details["short_circuited"])

	// Audit logging is off for the instance; the plugin writes its own log.
	assert.Contains(t, buf.String(), `"event_type":"request_failed"`)
}
