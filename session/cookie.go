package session

import (
	"net/http"
	"strings"
	"time"
)

// DefaultCookieName is the session cookie name.
const DefaultCookieName = "mcp_auth.session_token"

// CookieConfig controls how the session cookie is written.
type CookieConfig struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// CookieName returns the configured cookie name or DefaultCookieName.
func (c CookieConfig) CookieName() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func (c CookieConfig) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// Cookie builds the session cookie for tok.
func (c CookieConfig) Cookie(tok string, expiresAt time.Time) *http.Cookie {
	sameSite := c.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     c.CookieName(),
		Value:    tok,
		Path:     c.path(),
		Domain:   c.Domain,
		Expires:  expiresAt,
		MaxAge:   max(int(time.Until(expiresAt).Seconds()), 1),
		Secure:   c.Secure,
		HttpOnly: true,
		SameSite: sameSite,
	}
}

// ExpiredCookie builds a cookie that removes the session cookie.
func (c CookieConfig) ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.CookieName(),
		Value:    "",
		Path:     c.path(),
		Domain:   c.Domain,
		MaxAge:   -1,
		Secure:   c.Secure,
		HttpOnly: true,
	}
}

// SetCookie writes the session cookie.
func (c CookieConfig) SetCookie(w http.ResponseWriter, tok string, expiresAt time.Time) {
	http.SetCookie(w, c.Cookie(tok, expiresAt))
}

// ClearCookie expires the session cookie.
func (c CookieConfig) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, c.ExpiredCookie())
}

// TokenFromRequest returns the session token from the cookie, or from an
// "Authorization: Bearer" header when there is no cookie.
func (c CookieConfig) TokenFromRequest(r *http.Request) string {
	if ck, err := r.Cookie(c.CookieName()); err == nil && ck.Value != "" {
		return ck.Value
	}
	return BearerToken(r)
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
