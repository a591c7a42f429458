package server

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"

	// s256ChallengeLength is the length of BASE64URL(SHA256(verifier))
	s256ChallengeLength = 43
)

// validateChallenge checks a code_challenge at authorization time
func (s *Server) validateChallenge(challenge, method string) error {
	if method == "" {
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	}
	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength || !isUnreserved(challenge) {
			return fmt.Errorf("code_challenge is not a valid S256 challenge")
		}
	case PKCEMethodPlain:
		if !s.config.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported for security)")
		}
		if err := validateVerifierFormat(challenge); err != nil {
			return fmt.Errorf("plain code_challenge: %w", err)
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		computedChallenge = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		// The method was accepted at authorization time; a configuration
		// change in between does not strand the code.
		computedChallenge = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateVerifierFormat enforces the RFC 7636 section 4.1 syntax:
// 43 to 128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}
	return nil
}

func isUnreserved(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}
