// Package util provides small helpers shared across mcp-auth packages:
// truncating secrets for logs, URL normalization for resource and
// audience comparison, and IP classification for issuer and redirect URI checks.
package util
