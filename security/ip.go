package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller address from a request.
//
// SECURITY: enable TrustProxy only behind a reverse proxy that overwrites
// X-Forwarded-For. TrustedProxyCount is the number of proxies appending to
// the header; the client address is read that many hops from the right so
// that a client cannot spoof it by sending its own header.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the best-effort client IP
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := max(len(hops)-proxies, 0)
	if idx >= len(hops) {
		idx = len(hops) - 1
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
