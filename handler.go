package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
)

const wellKnownPrefix = "/.well-known/"

// errorBody is the JSON body of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newRouter mounts every endpoint under the base path. Well-known
// endpoints are additionally served at the origin root, where clients
// look for them.
func (a *Auth) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)

	mount := func(r chi.Router) {
		for _, op := range a.composition.Operations() {
			ep, _ := a.composition.Endpoint(op)
			r.Method(ep.Method, ep.Path, a.serveOperation(op))
		}
	}
	if a.config.BasePath == "" {
		mount(r)
	} else {
		r.Route(a.config.BasePath, mount)
		for _, op := range a.composition.Operations() {
			ep, _ := a.composition.Endpoint(op)
			if strings.HasPrefix(ep.Path, wellKnownPrefix) {
				r.Method(ep.Method, ep.Path, a.serveOperation(op))
			}
		}
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		a.writeError(w, apierror.NotFound(apierror.CodeNotFound, "endpoint not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		a.writeError(w, apierror.New(http.StatusMethodNotAllowed, apierror.CodeInvalidRequest, "method not allowed"))
	})
	return r
}

// hostHookName names the core hook resolving the per-request base URL.
const hostHookName = "core.resolveHost"

// requestContext builds the per-request context.
func (a *Auth) requestContext(r *http.Request) (*plugin.RequestContext, error) {
	rc, err := plugin.NewRequestContext(r, a.context)
	if err != nil {
		return nil, err
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key != "*" {
				rc.Params[key] = rctx.URLParams.Values[i]
			}
		}
	}
	return rc, nil
}

// resolveHost sets the request's base URL from the host allow-list and
// answers HOST_NOT_ALLOWED for unknown hosts. It runs as the first before
// hook, so after hooks observe rejections.
func (a *Auth) resolveHost(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	base, err := a.hosts.Resolve(rc.Request)
	if err != nil {
		a.context.Metrics().RecordHostRejected(ctx)
		a.context.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventHostRejected,
			IPAddress: rc.ClientIP,
			Details:   map[string]any{"host": security.RequestHost(rc.Request)},
		})
		e := apierror.From(err)
		return &plugin.Response{Status: e.Status, Body: e}, nil
	}
	rc.BaseURL = base
	return nil, nil
}

func (a *Auth) serveOperation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc, err := a.requestContext(r)
		if err != nil {
			status := a.writeError(w, apierror.From(err))
			a.recordRequest(r, op, status, start)
			return
		}

		out := a.composition.Execute(r.Context(), op, rc)
		security.SetSecurityHeaders(w, rc.BaseURL)
		status := a.writeOutcome(w, r, out)
		a.recordRequest(r, op, status, start)
	}
}

func (a *Auth) recordRequest(r *http.Request, op string, status int, start time.Time) {
	a.context.Metrics().RecordHTTPRequest(r.Context(), r.Method, op, status,
		float64(time.Since(start).Microseconds())/1000)
}

// writeOutcome writes the pipeline result and returns the status sent.
func (a *Auth) writeOutcome(w http.ResponseWriter, r *http.Request, out *plugin.Outcome) int {
	if out.Err != nil {
		return a.writeError(w, out.Err)
	}
	resp := out.Response
	for k, vs := range resp.Headers {
		w.Header()[http.CanonicalHeaderKey(k)] = vs
	}
	for _, c := range resp.Cookies {
		http.SetCookie(w, c)
	}

	status := resp.Status
	if resp.Redirect != "" {
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		http.Redirect(w, r, resp.Redirect, status)
		return status
	}
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil && status == http.StatusNoContent {
		w.WriteHeader(status)
		return status
	}
	writeJSON(w, status, resp.Body)
	return status
}

func (a *Auth) writeError(w http.ResponseWriter, e *apierror.Error) int {
	if e.Status >= http.StatusInternalServerError {
		a.logger.Error("Request failed", "code", e.Code, "error", e.Unwrap())
	}
	writeJSON(w, e.Status, errorBody{Code: e.Code, Message: e.Message})
	return e.Status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
