package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/giantswarm/sso-core/security"
)

const (
	// DefaultAdminScope is the scope an access token needs for the admin API
	DefaultAdminScope = "sso:admin"

	// DefaultBrowserCookieName names the cookie carrying the browser context
	DefaultBrowserCookieName = "sso_browser"

	// DefaultTokenRateLimit is the sustained per-IP rate on the token endpoint
	DefaultTokenRateLimit = 10

	// DefaultTokenRateBurst is the per-IP burst on the token endpoint
	DefaultTokenRateBurst = 20

	// DefaultJobSubmissionLimit caps batch jobs submitted per admin and hour
	DefaultJobSubmissionLimit = 20
)

// Config holds the HTTP surface configuration. Token lifetimes and the
// issuer live in server.Config.
type Config struct {
	// LoginURL is where users without an authenticated identity are sent.
	// The original authorization URL is passed as return_to. When empty,
	// login_required is returned to the client instead.
	LoginURL string

	// ConsentURL is where users are sent to approve a client. When empty,
	// consent_required is returned to the client.
	ConsentURL string

	// AdminScope is required on bearer tokens presented to /admin.
	AdminScope string

	// BrowserCookieName names the cookie identifying the user agent for
	// user switch detection.
	BrowserCookieName string

	// InsecureCookies drops the Secure attribute from the browser cookie.
	// WARNING: only for local development over plain HTTP.
	InsecureCookies bool

	// Rate limiting of the token endpoint
	RateLimit RateLimitConfig

	// JobSubmissionLimit caps batch jobs per admin within an hour.
	// Negative disables the cap.
	JobSubmissionLimit int

	// Client IP resolution
	TrustProxy        bool
	TrustedProxyCount int
}

// RateLimitConfig holds per-IP rate limiting of the token endpoint
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Negative disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// DefaultConfig returns the secure defaults.
func DefaultConfig() Config {
	return Config{
		AdminScope:        DefaultAdminScope,
		BrowserCookieName: DefaultBrowserCookieName,
		RateLimit: RateLimitConfig{
			Rate:  DefaultTokenRateLimit,
			Burst: DefaultTokenRateBurst,
		},
		JobSubmissionLimit: DefaultJobSubmissionLimit,
	}
}

func applyDefaults(config *Config) {
	if config.AdminScope == "" {
		config.AdminScope = DefaultAdminScope
	}
	if config.BrowserCookieName == "" {
		config.BrowserCookieName = DefaultBrowserCookieName
	}
	if config.RateLimit.Rate == 0 {
		config.RateLimit.Rate = DefaultTokenRateLimit
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = DefaultTokenRateBurst
	}
	if config.JobSubmissionLimit == 0 {
		config.JobSubmissionLimit = DefaultJobSubmissionLimit
	}
}

func validateConfig(config *Config) error {
	for name, raw := range map[string]string{"login URL": config.LoginURL, "consent URL": config.ConsentURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if u.IsAbs() {
			if u.Scheme != "https" && u.Scheme != "http" {
				return fmt.Errorf("%s must be an http(s) URL or an absolute path", name)
			}
		} else if !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("%s must be an http(s) URL or an absolute path", name)
		}
	}
	return nil
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.InsecureCookies {
		logger.Warn("SECURITY WARNING: browser context cookie is sent without the Secure attribute",
			"risk", "the cookie leaks over plain HTTP and user switch detection can be bypassed",
			"recommendation", "only use InsecureCookies for local development")
	}
	if config.RateLimit.Rate < 0 {
		logger.Warn("SECURITY WARNING: token endpoint rate limiting is disabled",
			"risk", "brute force of authorization codes and client secrets",
			"recommendation", "set a positive per-IP rate")
	}
	if config.TrustProxy {
		logger.Info("Client IPs are read from X-Forwarded-For",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
}

func (c Config) ipResolver() security.ClientIPResolver {
	return security.ClientIPResolver{TrustProxy: c.TrustProxy, TrustedProxyCount: c.TrustedProxyCount}
}
