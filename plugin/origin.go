package plugin

import (
	"slices"
	"strings"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/security"
)

// TrustedURL reports whether target may be redirected to: a path on this
// origin, or an absolute URL on the request's origin or a trusted origin.
func (rc *RequestContext) TrustedURL(target string) bool {
	if target == "" {
		return false
	}
	if strings.HasPrefix(target, "/") {
		return !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
	}
	origin := security.OriginOf(target)
	if rc.BaseURL != "" && origin == security.OriginOf(rc.BaseURL) {
		return true
	}
	return rc.Auth != nil && slices.Contains(rc.Auth.TrustedOrigins, origin)
}

// CheckCallbackURL returns a 403 error when target is set and not trusted.
func (rc *RequestContext) CheckCallbackURL(target string) error {
	if target == "" || rc.TrustedURL(target) {
		return nil
	}
	rc.Logger().Warn("Rejected untrusted callback URL", "origin", security.OriginOf(target), "ip", rc.ClientIP)
	return apierror.Forbidden(apierror.CodeInvalidCallbackURL, "invalid callback URL")
}
