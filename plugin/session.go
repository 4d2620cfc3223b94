package plugin

import (
	"context"
	"net/http"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/session"
)

// SessionBody is the JSON body of a successful sign-in.
type SessionBody struct {
	Token    string        `json:"token"`
	User     *session.User `json:"user"`
	Redirect bool          `json:"redirect"`
	URL      string        `json:"url,omitempty"`
}

// CreateSession issues a session for user, records it on rc and audits it.
// method names the sign-in mechanism ("email", "oauth", ...).
func CreateSession(ctx context.Context, rc *RequestContext, user *session.User, method string) (*session.Session, error) {
	ac := rc.Auth
	s, err := ac.Internal.CreateSession(ctx, user.ID, session.Meta{
		IPAddress: rc.ClientIP,
		UserAgent: rc.Header.Get("User-Agent"),
		Method:    method,
	})
	if err != nil {
		rc.Logger().Error("Failed to create session", "user_id", user.ID, "error", err)
		return nil, apierror.Internal("failed to create session").WithCause(err)
	}
	ac.Auditor.LogSessionCreated(ctx, user.ID, rc.ClientIP, method)
	rc.Session, rc.User = s, user
	return s, nil
}

// SessionCookie returns the cookie carrying s.
func SessionCookie(rc *RequestContext, s *session.Session) *http.Cookie {
	return rc.Auth.Cookies.Cookie(s.Token, s.ExpiresAt)
}

// SignIn creates a session and answers with its token and the session cookie.
func SignIn(ctx context.Context, rc *RequestContext, user *session.User, method string) (*Response, error) {
	s, err := CreateSession(ctx, rc, user, method)
	if err != nil {
		return nil, err
	}
	resp := JSON(SessionBody{Token: s.Token, User: user})
	resp.Cookies = append(resp.Cookies, SessionCookie(rc, s))
	return resp, nil
}
