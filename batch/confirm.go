package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/sso-core/storage"
)

const (
	// ConfirmationPurpose is the purpose claim of emergency confirmation tokens
	ConfirmationPurpose = "emergency_logout"

	// ConfirmationTTL is how long a confirmation token stays valid
	ConfirmationTTL = 5 * time.Minute

	minConfirmationSecretLength = 32
)

var (
	// ErrConfirmationRequired is returned when an emergency job is submitted
	// without a confirmation token.
	ErrConfirmationRequired = errors.New("emergency confirmation token required")

	// ErrInvalidConfirmation is returned for a confirmation token that is
	// malformed, expired, replayed or minted for someone else.
	ErrInvalidConfirmation = errors.New("invalid emergency confirmation token")
)

type confirmationClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// Confirmer mints and checks the second factor for emergency jobs. Tokens
// are HS256 JWTs bound to the initiator, and each jti is consumed in the
// nonce store so that a token confirms exactly one job.
type Confirmer struct {
	secret []byte
	nonces storage.NonceStore
	issuer string
	now    func() time.Time
}

// NewConfirmer creates a Confirmer. The secret must be at least 32 bytes.
func NewConfirmer(secret []byte, nonces storage.NonceStore, issuer string) (*Confirmer, error) {
	if len(secret) < minConfirmationSecretLength {
		return nil, fmt.Errorf("confirmation secret must be at least %d bytes, got %d", minConfirmationSecretLength, len(secret))
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce store is required")
	}
	return &Confirmer{
		secret: secret,
		nonces: nonces,
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source
func (c *Confirmer) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Issue mints a confirmation token for the initiator and returns it with its
// expiry.
func (c *Confirmer) Issue(initiator string) (string, time.Time, error) {
	return IssueConfirmation(c.secret, c.issuer, initiator, c.now())
}

// IssueConfirmation mints a confirmation token outside a running server. The
// holder of the confirmation secret signs it for one initiator; possession of
// an admin bearer token alone is never enough to obtain one.
func IssueConfirmation(secret []byte, issuer, initiator string, now time.Time) (string, time.Time, error) {
	if len(secret) < minConfirmationSecretLength {
		return "", time.Time{}, fmt.Errorf("confirmation secret must be at least %d bytes", minConfirmationSecretLength)
	}
	if initiator == "" {
		return "", time.Time{}, fmt.Errorf("initiator is required")
	}
	expiresAt := now.Add(ConfirmationTTL)
	claims := confirmationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   initiator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Purpose: ConfirmationPurpose,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign confirmation token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks a confirmation token for the initiator and consumes it.
func (c *Confirmer) Verify(ctx context.Context, token, initiator string) error {
	if token == "" {
		return ErrConfirmationRequired
	}

	var claims confirmationClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(initiator),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfirmation, err)
	}
	if claims.Purpose != ConfirmationPurpose {
		return fmt.Errorf("%w: wrong purpose %q", ErrInvalidConfirmation, claims.Purpose)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrInvalidConfirmation)
	}

	err = c.nonces.ConsumeNonce(ctx, &storage.Nonce{
		ValueHash: storage.HashToken("emergency_confirmation:" + claims.ID),
		UserID:    initiator,
		ExpiresAt: claims.ExpiresAt.Time,
		UsedAt:    c.now(),
	})
	if errors.Is(err, storage.ErrNonceReplayed) {
		return fmt.Errorf("%w: already used", ErrInvalidConfirmation)
	}
	if err != nil {
		return fmt.Errorf("failed to consume confirmation token: %w", err)
	}
	return nil
}
