package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		resolver   ClientIPResolver
		remoteAddr string
		xff        string
		xRealIP    string
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.9:4312",
			want:       "203.0.113.9",
		},
		{
			name:       "untrusted proxy headers are ignored",
			remoteAddr: "203.0.113.9:4312",
			xff:        "198.51.100.1",
			want:       "203.0.113.9",
		},
		{
			name:       "single trusted proxy",
			resolver:   ClientIPResolver{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr: "10.0.0.2:80",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "spoofed leading entry is skipped",
			resolver:   ClientIPResolver{TrustProxy: true, TrustedProxyCount: 1},
			remoteAddr: "10.0.0.2:80",
			xff:        "1.1.1.1, 198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "two trusted proxies",
			resolver:   ClientIPResolver{TrustProxy: true, TrustedProxyCount: 2},
			remoteAddr: "10.0.0.2:80",
			xff:        "1.1.1.1, 198.51.100.1, 10.0.0.3",
			want:       "198.51.100.1",
		},
		{
			name:       "invalid forwarded value falls back to X-Real-IP",
			resolver:   ClientIPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.2:80",
			xff:        "garbage",
			xRealIP:    "198.51.100.7",
			want:       "198.51.100.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "198.51.100.8",
			want:       "198.51.100.8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/token", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := tt.resolver.Resolve(r); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
