package main

import (
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/credential"
	"github.com/giantswarm/mcp-auth/plugins/genericoauth"
	"github.com/giantswarm/mcp-auth/security"
)

// loginPath receives users the MCP authorize endpoint could not identify.
const loginPath = "/sign-in"

const loginTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Sign in</title>
</head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
{{range .Providers}}
<form method="post" action="{{$.LoginPath}}/social">
<input type="hidden" name="providerId" value="{{.}}">
<input type="hidden" name="callbackURL" value="{{$.CallbackURL}}">
<button type="submit">Continue with {{.}}</button>
</form>
{{end}}
{{if .Passwords}}
<form method="post" action="{{.LoginPath}}/password">
<input type="hidden" name="callbackURL" value="{{.CallbackURL}}">
<label>Email <input type="email" name="email" autocomplete="username" required></label>
<label>Password <input type="password" name="password" autocomplete="current-password" required></label>
<button type="submit">Sign in</button>
</form>
{{end}}
</body>
</html>
`

var loginTmpl = template.Must(template.New("login").Parse(loginTemplate))

type loginData struct {
	LoginPath   string
	CallbackURL string
	Providers   []string
	Passwords   bool
	Error       string
}

// loginPage signs users in through the instance's own endpoints and sends
// them back to callbackURL, usually a pending MCP authorization.
type loginPage struct {
	cfg    *Config
	inst   *instance
	logger *slog.Logger
}

// callbackURL returns the requested callback when it stays on this server.
func (lp *loginPage) callbackURL(r *http.Request) string {
	target := r.FormValue("callbackURL")
	switch {
	case target == "":
		return "/"
	case strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\"):
		return target
	case security.OriginOf(target) == security.OriginOf(lp.cfg.BaseURL):
		return target
	}
	return "/"
}

func (lp *loginPage) render(w http.ResponseWriter, r *http.Request, status int, errMsg string) {
	security.SetSecurityHeaders(w, lp.cfg.BaseURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := loginTmpl.Execute(w, loginData{
		LoginPath:   loginPath,
		CallbackURL: lp.callbackURL(r),
		Providers:   lp.inst.providers,
		Passwords:   lp.inst.auth.HasPlugin(credential.ID),
		Error:       errMsg,
	})
	if err != nil {
		lp.logger.Error("Failed to render sign-in page", "error", err)
	}
}

func (lp *loginPage) show(w http.ResponseWriter, r *http.Request) {
	lp.render(w, r, http.StatusOK, "")
}

// social starts a provider sign-in and redirects to the provider.
func (lp *loginPage) social(w http.ResponseWriter, r *http.Request) {
	if !lp.inst.auth.HasPlugin(genericoauth.ID) {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		lp.render(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	outcome, err := lp.inst.auth.Execute(r.Context(), genericoauth.OperationSignIn, formRequest(r))
	if err != nil {
		lp.render(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	if status, msg, failed := failure(outcome); failed {
		lp.render(w, r, status, msg)
		return
	}
	body, ok := outcome.Response.Body.(genericoauth.RedirectBody)
	if !ok || body.URL == "" {
		lp.render(w, r, http.StatusInternalServerError, "Sign-in could not be started")
		return
	}
	http.Redirect(w, r, body.URL, http.StatusFound)
}

// password signs in with email and password and returns to the callback.
func (lp *loginPage) password(w http.ResponseWriter, r *http.Request) {
	if !lp.inst.auth.HasPlugin(credential.ID) {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		lp.render(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	outcome, err := lp.inst.auth.Execute(r.Context(), credential.OperationSignIn, formRequest(r))
	if err != nil {
		lp.render(w, r, http.StatusBadRequest, "Malformed request")
		return
	}
	if status, msg, failed := failure(outcome); failed {
		lp.render(w, r, status, msg)
		return
	}
	for _, c := range outcome.Response.Cookies {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, lp.callbackURL(r), http.StatusFound)
}

// formRequest replays the parsed form to the auth pipeline.
func formRequest(r *http.Request) *http.Request {
	encoded := r.PostForm.Encode()
	req := r.Clone(r.Context())
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// failure extracts the error of a rejected request, including answers of
// short-circuiting hooks such as the rate limiter.
func failure(outcome *plugin.Outcome) (int, string, bool) {
	if outcome.Err != nil {
		return outcome.Err.Status, outcome.Err.Message, true
	}
	resp := outcome.Response
	if resp == nil {
		return http.StatusInternalServerError, "No response", true
	}
	if resp.Status < http.StatusBadRequest {
		return 0, "", false
	}
	if e, ok := resp.Body.(*apierror.Error); ok {
		return resp.Status, e.Message, true
	}
	return resp.Status, http.StatusText(resp.Status), true
}
