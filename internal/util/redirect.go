package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// HostClass is the coarse classification of a redirect URI host.
type HostClass int

const (
	HostPublic HostClass = iota
	HostLoopback
	HostPrivate
	HostLinkLocal
	HostUnspecified
)

func (c HostClass) String() string {
	switch c {
	case HostPublic:
		return "public"
	case HostLoopback:
		return "loopback"
	case HostPrivate:
		return "private"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyHost classifies a hostname as returned by url.URL.Hostname().
// Names that are not IP literals are public unless they are "localhost".
func ClassifyHost(hostname string) HostClass {
	if strings.EqualFold(hostname, "localhost") {
		return HostLoopback
	}
	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	if ip == nil {
		return HostPublic
	}
	switch {
	case ip.IsUnspecified():
		return HostUnspecified
	case ip.IsLoopback():
		return HostLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return HostLinkLocal
	case ip.IsPrivate():
		return HostPrivate
	}
	return HostPublic
}

// ValidateRedirectURI checks a redirect URI at client registration time.
//
// Rules:
//   - absolute URI without fragment
//   - https, or http only for loopback hosts (RFC 8252 section 7.3)
//   - custom schemes (com.example.app:/cb) for native apps
//   - never an unspecified or link-local address
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("redirect_uri %q must be absolute", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri %q must not contain a fragment", raw)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if ClassifyHost(u.Hostname()) != HostLoopback {
			return fmt.Errorf("redirect_uri %q: http is only allowed for loopback hosts", raw)
		}
		return nil
	case "javascript", "data", "file", "vbscript":
		return fmt.Errorf("redirect_uri %q uses a forbidden scheme", raw)
	default:
		// Private-use scheme for native apps
		return nil
	}

	if u.Host == "" {
		return fmt.Errorf("redirect_uri %q has no host", raw)
	}
	switch c := ClassifyHost(u.Hostname()); c {
	case HostUnspecified, HostLinkLocal:
		return fmt.Errorf("redirect_uri %q points at a %s address", raw, c)
	}
	return nil
}
