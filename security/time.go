package security

import "time"

// DefaultClockSkewGracePeriod is tolerated when checking expiry of tokens
// issued by another host, such as emergency confirmation tokens.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether expiresAt lies more than grace before now.
// A zero expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
