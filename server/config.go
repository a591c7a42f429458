package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/sso-core/internal/util"
)

// Default lifetimes, in seconds.
const (
	DefaultAuthorizationCodeTTL = 300     // 5 minutes
	DefaultAccessTokenTTL       = 900     // 15 minutes
	DefaultRefreshTokenTTL      = 2592000 // 30 days
	DefaultRotationGraceSeconds = 30
	DefaultRapidSwitchWindow    = 300 // 5 minutes
	DefaultClockSkewGracePeriod = 5
)

// Config holds the token lifecycle configuration. It is copied by New and
// never changes afterwards; Server.Config returns another copy.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It is the iss
	// claim of identity tokens.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access and identity tokens are valid
	AccessTokenTTL int64 // seconds, default: 900 (15 minutes)

	// RefreshTokenTTL is how long a refresh token is valid after issuance
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RotationGraceSeconds is how long a rotated refresh token may be
	// presented again and receive the same child token pair. A redemption
	// after the window is treated as theft and revokes the token family.
	RotationGraceSeconds int64 // default: 30

	// ExcludeAdminSessions keeps administrative sessions alive during
	// emergency logouts unless a job overrides it.
	ExcludeAdminSessions bool // DefaultConfig: true

	// PreserveServiceTokens keeps service-to-service tokens alive during
	// emergency logouts unless a job overrides it.
	PreserveServiceTokens bool // DefaultConfig: true

	// RequirePKCE enforces PKCE for confidential clients as well. PKCE is
	// always mandatory for public clients.
	RequirePKCE bool // DefaultConfig: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// WARNING: The 'plain' method offers no protection against an attacker
	// who can read the authorization request.
	AllowPKCEPlain bool // default: false

	// RapidSwitchWindow is the interval under which a user change on the
	// same browser is scored as a rapid switch.
	RapidSwitchWindow int64 // seconds, default: 300

	// ClockSkewGracePeriod is tolerated when checking code and token expiry
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// DefaultConfig returns the secure defaults.
func DefaultConfig() Config {
	return Config{
		AuthorizationCodeTTL:  DefaultAuthorizationCodeTTL,
		AccessTokenTTL:        DefaultAccessTokenTTL,
		RefreshTokenTTL:       DefaultRefreshTokenTTL,
		RotationGraceSeconds:  DefaultRotationGraceSeconds,
		ExcludeAdminSessions:  true,
		PreserveServiceTokens: true,
		RequirePKCE:           true,
		RapidSwitchWindow:     DefaultRapidSwitchWindow,
		ClockSkewGracePeriod:  DefaultClockSkewGracePeriod,
	}
}

// applyTimeDefaults sets default values for unset durations
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.RotationGraceSeconds == 0 {
		config.RotationGraceSeconds = DefaultRotationGraceSeconds
	}
	if config.RapidSwitchWindow == 0 {
		config.RapidSwitchWindow = DefaultRapidSwitchWindow
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
}

// validateConfig rejects values that cannot work
func validateConfig(config *Config) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(config.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", config.Issuer)
	}
	if u.Scheme != "https" && util.ClassifyHost(u.Hostname()) != util.HostLoopback {
		return fmt.Errorf("issuer must use https outside of loopback development, got %q", config.Issuer)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	for name, v := range map[string]int64{
		"AuthorizationCodeTTL": config.AuthorizationCodeTTL,
		"AccessTokenTTL":       config.AccessTokenTTL,
		"RefreshTokenTTL":      config.RefreshTokenTTL,
		"RotationGraceSeconds": config.RotationGraceSeconds,
		"RapidSwitchWindow":    config.RapidSwitchWindow,
		"ClockSkewGracePeriod": config.ClockSkewGracePeriod,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	if config.RotationGraceSeconds >= config.RefreshTokenTTL {
		return fmt.Errorf("RotationGraceSeconds (%d) must be shorter than RefreshTokenTTL (%d)",
			config.RotationGraceSeconds, config.RefreshTokenTTL)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is optional for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.RotationGraceSeconds > 120 {
		logger.Warn("SECURITY WARNING: Long refresh token rotation grace window",
			"grace_seconds", config.RotationGraceSeconds,
			"risk", "A stolen refresh token can be replayed without detection inside the window",
			"recommendation", "Keep RotationGraceSeconds under a minute")
	}
	if config.AccessTokenTTL > 3600 {
		logger.Warn("SECURITY WARNING: Long-lived access tokens",
			"access_token_ttl", config.AccessTokenTTL,
			"risk", "Revocation takes effect late for resource servers that cache tokens",
			"recommendation", "Keep AccessTokenTTL at one hour or less")
	}
	if !config.ExcludeAdminSessions {
		logger.Warn("CONFIGURATION NOTICE: Emergency logouts terminate administrative sessions",
			"risk", "Operators are logged out during incident response")
	}
	if strings.HasPrefix(config.Issuer, "http://") {
		logger.Warn("SECURITY WARNING: Issuer uses plain HTTP",
			"issuer", config.Issuer,
			"recommendation", "Only use http for local development")
	}
}

func (c Config) codeTTL() time.Duration { return time.Duration(c.AuthorizationCodeTTL) * time.Second }
func (c Config) accessTTL() time.Duration { return time.Duration(c.AccessTokenTTL) * time.Second }
func (c Config) refreshTTL() time.Duration { return time.Duration(c.RefreshTokenTTL) * time.Second }
func (c Config) rotationGrace() time.Duration { return time.Duration(c.RotationGraceSeconds) * time.Second }
func (c Config) rapidSwitch() time.Duration { return time.Duration(c.RapidSwitchWindow) * time.Second }
func (c Config) clockSkew() time.Duration { return time.Duration(c.ClockSkewGracePeriod) * time.Second }
