package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/storage/memory"
)

var testConfirmationSecret = []byte(strings.Repeat("k", 32))

func newTestConfirmer(t *testing.T) (*Confirmer, *testutil.MockTime) {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	c, err := NewConfirmer(testConfirmationSecret, store, "https://sso.example.com")
	require.NoError(t, err)
	clock := testutil.NewMockTime(testutil.Epoch)
	c.SetClock(clock.Now)
	return c, clock
}

func TestNewConfirmer_Validation(t *testing.T) {
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	_, err := NewConfirmer([]byte("short"), store, "")
	assert.Error(t, err)

	_, err = NewConfirmer(testConfirmationSecret, nil, "")
	assert.Error(t, err)
}

func TestConfirmer_IssueAndVerify(t *testing.T) {
	c, clock := newTestConfirmer(t)
	ctx := context.Background()

	token, expiresAt, err := c.Issue("admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(ConfirmationTTL), expiresAt)

	require.NoError(t, c.Verify(ctx, token, "admin@example.com"))

	err = c.Verify(ctx, token, "admin@example.com")
	assert.ErrorIs(t, err, ErrInvalidConfirmation, "tokens are single use")
}

func TestConfirmer_Rejects(t *testing.T) {
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		c, _ := newTestConfirmer(t)
		assert.ErrorIs(t, c.Verify(ctx, "", "admin"), ErrConfirmationRequired)
	})

	t.Run("other initiator", func(t *testing.T) {
		c, _ := newTestConfirmer(t)
		token, _, err := c.Issue("admin")
		require.NoError(t, err)
		assert.ErrorIs(t, c.Verify(ctx, token, "someone-else"), ErrInvalidConfirmation)
	})

	t.Run("expired", func(t *testing.T) {
		c, clock := newTestConfirmer(t)
		token, _, err := c.Issue("admin")
		require.NoError(t, err)
		clock.Advance(ConfirmationTTL + time.Second)
		assert.ErrorIs(t, c.Verify(ctx, token, "admin"), ErrInvalidConfirmation)
	})

	t.Run("wrong secret", func(t *testing.T) {
		c, _ := newTestConfirmer(t)
		otherStore := memory.NewWithInterval(time.Hour)
		t.Cleanup(otherStore.Stop)
		other, err := NewConfirmer([]byte(strings.Repeat("x", 32)), otherStore, "https://sso.example.com")
		require.NoError(t, err)
		other.SetClock(c.now)
		token, _, err := other.Issue("admin")
		require.NoError(t, err)
		assert.ErrorIs(t, c.Verify(ctx, token, "admin"), ErrInvalidConfirmation)
	})

	t.Run("wrong purpose", func(t *testing.T) {
		c, clock := newTestConfirmer(t)
		claims := confirmationClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-1",
				Issuer:    "https://sso.example.com",
				Subject:   "admin",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
			Purpose: "password_reset",
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testConfirmationSecret)
		require.NoError(t, err)
		assert.ErrorIs(t, c.Verify(ctx, token, "admin"), ErrInvalidConfirmation)
	})

	t.Run("unsigned token", func(t *testing.T) {
		c, clock := newTestConfirmer(t)
		claims := confirmationClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "jti-2",
				Subject:   "admin",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			},
			Purpose: ConfirmationPurpose,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		assert.ErrorIs(t, c.Verify(ctx, token, "admin"), ErrInvalidConfirmation)
	})
}

func TestIssueConfirmation(t *testing.T) {
	c, clock := newTestConfirmer(t)

	_, _, err := IssueConfirmation([]byte("short"), "https://sso.example.com", "admin@example.com", clock.Now())
	assert.Error(t, err)

	_, _, err = IssueConfirmation(testConfirmationSecret, "https://sso.example.com", "", clock.Now())
	assert.Error(t, err)

	token, expiresAt, err := IssueConfirmation(testConfirmationSecret, "https://sso.example.com", "admin@example.com", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(ConfirmationTTL), expiresAt)
	require.NoError(t, c.Verify(context.Background(), token, "admin@example.com"))
}
