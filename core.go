package auth

import (
	"context"
	"net/http"

	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

// Operation names of the core endpoints.
const (
	OperationOK         = "ok"
	OperationGetSession = "getSession"
	OperationSignOut    = "signOut"
)

// SessionResponse is the body of /get-session.
type SessionResponse struct {
	Session *session.Session `json:"session"`
	User    *session.User    `json:"user"`
}

func coreEndpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		OperationOK: {
			Method:  http.MethodGet,
			Path:    "/ok",
			Handler: handleOK,
		},
		OperationGetSession: {
			Method:  http.MethodGet,
			Path:    "/get-session",
			Handler: handleGetSession,
		},
		OperationSignOut: {
			Method:         http.MethodPost,
			Path:           "/sign-out",
			RequireSession: true,
			Handler:        handleSignOut,
		},
	}
}

func handleOK(context.Context, *plugin.RequestContext) (*plugin.Response, error) {
	return plugin.JSON(map[string]bool{"ok": true}), nil
}

// handleGetSession answers null when there is no valid session.
func handleGetSession(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	if err := plugin.ResolveSession(ctx, rc); err != nil {
		return nil, err
	}
	if rc.Session == nil {
		return plugin.JSON(nil), nil
	}
	return plugin.JSON(SessionResponse{Session: rc.Session, User: rc.User}), nil
}

func handleSignOut(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	if err := rc.Auth.Internal.DeleteSession(ctx, rc.Session.Token); err != nil {
		return nil, err
	}
	rc.Auth.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventSessionRevoked,
		UserID:    rc.Session.UserID,
		IPAddress: rc.ClientIP,
	})
	resp := plugin.JSON(map[string]bool{"success": true})
	resp.Cookies = append(resp.Cookies, rc.Auth.Cookies.ExpiredCookie())
	return resp, nil
}
