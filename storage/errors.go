package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClientNotFound is returned when no client is registered under the ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned for unknown authorization codes.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when a code has already been redeemed.
	// Implementations return the stored code alongside this error so callers
	// can revoke what was issued from it.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound is returned for unknown access or refresh tokens.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a stored record is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrStatusConflict is returned when a conditional transition finds the
	// record in a status other than the expected one.
	ErrStatusConflict = errors.New("status conflict")

	// ErrSessionTerminated is returned when a redemption targets a session
	// that was terminated (or re-created) since the grant was issued.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNonceReplayed is returned when a single-use value is presented twice.
	ErrNonceReplayed = errors.New("nonce already used")

	// ErrJobNotFound is returned for unknown batch jobs.
	ErrJobNotFound = errors.New("batch job not found")

	// ErrKeyNotFound is returned for unknown signing keys.
	ErrKeyNotFound = errors.New("signing key not found")
)
