package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHost(t *testing.T) {
	tests := []struct {
		host   string
		want   AddrKind
		wantIP bool
	}{
		{"0.0.0.0", AddrUnspecified, true},
		{"[::]", AddrUnspecified, true},
		{"127.0.0.1", AddrLoopback, true},
		{"127.10.0.3", AddrLoopback, true},
		{"::1", AddrLoopback, true},
		{"::ffff:127.0.0.1", AddrLoopback, true},
		{"169.254.169.254", AddrLinkLocal, true},
		{"fe80::1%eth0", AddrLinkLocal, true},
		{"10.1.2.3", AddrPrivate, true},
		{"192.168.0.10", AddrPrivate, true},
		{"fd12:3456::1", AddrPrivate, true},
		{"8.8.8.8", AddrPublic, true},
		{"[2001:4860:4860::8888]", AddrPublic, true},
		{"dex.example.com", AddrPublic, false},
		{"", AddrPublic, false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			kind, ok := ClassifyHost(tt.host)
			assert.Equal(t, tt.wantIP, ok)
			assert.Equal(t, tt.want, kind, "got %s", kind)
		})
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	for _, host := range []string{"localhost", "LocalHost", "127.0.0.1", "::1", "[::1]"} {
		assert.True(t, IsLoopbackHostname(host), host)
	}
	for _, host := range []string{"localhost.example.com", "10.0.0.1", "example.com", ""} {
		assert.False(t, IsLoopbackHostname(host), host)
	}
}
