// Package testutil provides test fixtures shared by the plugin suites: a
// controllable clock, a fake upstream OAuth 2.0 provider served by
// httptest, PKCE helpers and an HTTP request builder.
package testutil
