package util

import (
	"net/netip"
	"strings"
)

// AddrKind is the address range an IP literal falls into.
type AddrKind int

const (
	AddrPublic AddrKind = iota
	AddrLoopback
	AddrPrivate
	AddrLinkLocal
	AddrUnspecified
)

func (k AddrKind) String() string {
	switch k {
	case AddrLoopback:
		return "loopback"
	case AddrPrivate:
		return "private"
	case AddrLinkLocal:
		return "link-local"
	case AddrUnspecified:
		return "unspecified"
	}
	return "public"
}

// ClassifyHost classifies host if it is an IP literal, bracketed or not.
// ok is false for DNS names; they are never resolved.
func ClassifyHost(host string) (kind AddrKind, ok bool) {
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
	if err != nil {
		return AddrPublic, false
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified():
		return AddrUnspecified, true
	case addr.IsLoopback():
		return AddrLoopback, true
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return AddrLinkLocal, true
	case addr.IsPrivate():
		return AddrPrivate, true
	}
	return AddrPublic, true
}

// IsLoopbackHostname reports whether hostname is localhost or a loopback IP.
func IsLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	kind, ok := ClassifyHost(hostname)
	return ok && kind == AddrLoopback
}
