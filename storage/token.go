package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// HashToken returns the one-way hash under which a token value is stored.
// Authorization codes, access tokens, refresh tokens and nonces all use it.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ParseScope splits a space-delimited scope string into its distinct values,
// preserving first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScope joins scope values into the space-delimited wire form.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// MergeScopes returns the union of existing and added, keeping the order of
// existing and appending new values in the order they appear in added.
func MergeScopes(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, s := range added {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ScopesCover reports whether granted contains every value in requested.
func ScopesCover(granted, requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}
