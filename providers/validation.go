package providers

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/giantswarm/mcp-auth/internal/util"
)

const (
	maxScopes         = 50
	maxGroups         = 100
	maxItemLength     = 256
	maxConnectorIDLen = 64
)

// ErrNonPublicIssuer is returned for issuer URLs whose host is an IP
// literal outside the public address space.
var ErrNonPublicIssuer = errors.New("issuer URL must not point to a non-public IP address")

var connectorIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIssuerURL enforces HTTPS and rejects IP literals pointing at
// loopback, private, link-local or unspecified addresses (SSRF).
// Hostnames are not resolved.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	if kind, ok := util.ClassifyHost(host); ok && kind != util.AddrPublic {
		return fmt.Errorf("%w (%s IP %s)", ErrNonPublicIssuer, kind, host)
	}
	return nil
}

// ValidateConnectorID validates an optional Dex connector_id.
func ValidateConnectorID(connectorID string) error {
	if connectorID == "" {
		return nil
	}
	if !connectorIDPattern.MatchString(connectorID) {
		return fmt.Errorf("connector_id contains invalid characters (allowed: a-z, A-Z, 0-9, _, -)")
	}
	if len(connectorID) > maxConnectorIDLen {
		return fmt.Errorf("connector_id exceeds maximum length of %d characters", maxConnectorIDLen)
	}
	return nil
}

// ValidateScopes bounds the number and size of requested scopes.
func ValidateScopes(scopes []string) error {
	return validateList("scopes", "scope", scopes, maxScopes, false)
}

// ValidateGroups bounds the number and size of a groups claim.
func ValidateGroups(groups []string) error {
	return validateList("groups claim", "group", groups, maxGroups, true)
}

func validateList(what, item string, values []string, maxItems int, allowEmpty bool) error {
	if len(values) > maxItems {
		return fmt.Errorf("%s exceeds maximum of %d items (got %d)", what, maxItems, len(values))
	}
	for i, v := range values {
		if v == "" && !allowEmpty {
			return fmt.Errorf("%s at index %d is empty", item, i)
		}
		if len(v) > maxItemLength {
			return fmt.Errorf("%s at index %d exceeds maximum length of %d characters", item, i, maxItemLength)
		}
	}
	return nil
}
