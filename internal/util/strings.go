package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking. It is used
// to log a prefix of tokens, codes and states instead of the full value.
// A negative maxLen returns "".
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that resource identifiers and
// base URLs compare equal with or without them.
//
// Example:
//
//	NormalizeURL("https://example.com/")   // Returns: "https://example.com"
//	NormalizeURL("https://example.com///") // Returns: "https://example.com"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// JoinURL joins a base URL and a path with exactly one slash between them.
func JoinURL(base, path string) string {
	base = NormalizeURL(base)
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}
