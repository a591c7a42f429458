package keys

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
	"github.com/giantswarm/sso-core/storage/memory"
)

func newTestManager(t *testing.T, store storage.KeyStore, enc *security.Encryptor) (*Manager, *testutil.MockTime) {
	t.Helper()
	m, err := New(store, enc, Config{Overlap: time.Hour}, nil)
	require.NoError(t, err)
	clock := testutil.NewMockTime(testutil.Epoch)
	m.SetClock(clock.Now)
	return m, clock
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	t.Cleanup(s.Stop)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Config{}, nil)
	assert.Error(t, err)

	_, err = New(newMemoryStore(t), nil, Config{KeyBits: 1024}, nil)
	assert.Error(t, err)
}

func TestManager_EnsureActiveGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	m, _ := newTestManager(t, store, nil)

	require.NoError(t, m.EnsureActive(ctx))
	kid := m.ActiveKeyID()
	require.NotEmpty(t, kid)

	require.NoError(t, m.EnsureActive(ctx))
	assert.Equal(t, kid, m.ActiveKeyID(), "an existing active key is reused")

	stored, err := store.ListSigningKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestManager_SignAndVerify(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, newMemoryStore(t), nil)

	_, err := m.Sign(jwt.Claims{Subject: "alice"})
	assert.ErrorIs(t, err, ErrNoActiveKey)

	require.NoError(t, m.EnsureActive(ctx))

	token, err := m.Sign(jwt.Claims{Subject: "alice", Issuer: "https://sso.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	var claims jwt.Claims
	require.NoError(t, m.Verify(token, &claims))
	assert.Equal(t, "alice", claims.Subject)

	// Tampering with the payload breaks the signature
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	assert.Error(t, m.Verify(tampered, &claims))
}

func TestManager_RotationOverlap(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	m, clock := newTestManager(t, store, nil)

	require.NoError(t, m.EnsureActive(ctx))
	oldKid := m.ActiveKeyID()
	oldToken, err := m.Sign(jwt.Claims{Subject: "alice"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	newKid, err := m.Rotate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, newKid)
	assert.Equal(t, newKid, m.ActiveKeyID())

	// Both keys are published during the overlap and the old token still verifies
	jwks := m.JWKS()
	require.Len(t, jwks.Keys, 2)
	for _, k := range jwks.Keys {
		assert.True(t, k.IsPublic(), "JWKS must only contain public keys")
		assert.Equal(t, "sig", k.Use)
	}
	var claims jwt.Claims
	require.NoError(t, m.Verify(oldToken, &claims))

	stored, err := store.ListSigningKeys(ctx)
	require.NoError(t, err)
	active := 0
	for _, k := range stored {
		if k.Active {
			active++
			continue
		}
		assert.Equal(t, oldKid, k.KeyID)
		assert.True(t, k.ExpiresAt.Equal(testutil.Epoch.Add(time.Minute+time.Hour)))
		assert.True(t, k.RotatedAt.Equal(testutil.Epoch.Add(time.Minute)))
	}
	assert.Equal(t, 1, active, "exactly one key is active")

	// After the overlap the old key is no longer published and can be pruned
	clock.Advance(2 * time.Hour)
	require.NoError(t, m.Reload(ctx))
	assert.Len(t, m.JWKS().Keys, 1)
	err = m.Verify(oldToken, &claims)
	assert.ErrorIs(t, err, ErrUnknownKey)

	removed, err := m.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestManager_EncryptsPrivateKeys(t *testing.T) {
	ctx := context.Background()
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	store := newMemoryStore(t)
	m, _ := newTestManager(t, store, enc)
	require.NoError(t, m.EnsureActive(ctx))

	stored, err := store.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].PrivateKeyPEM, "PRIVATE KEY")
	assert.Contains(t, stored[0].PublicKeyPEM, "PUBLIC KEY")

	// A second manager with the same key material reads it back
	other, _ := newTestManager(t, store, enc)
	require.NoError(t, other.Reload(ctx))
	assert.Equal(t, m.ActiveKeyID(), other.ActiveKeyID())

	// Without the key the private key cannot be read and is skipped
	wrongKey, err := security.GenerateKey()
	require.NoError(t, err)
	wrong, err := security.NewEncryptor(wrongKey)
	require.NoError(t, err)
	blind, _ := newTestManager(t, store, wrong)
	require.NoError(t, blind.Reload(ctx))
	assert.Empty(t, blind.ActiveKeyID())
}

func TestManager_RotationDue(t *testing.T) {
	ctx := context.Background()
	m, err := New(newMemoryStore(t), nil, Config{RotationInterval: 24 * time.Hour}, nil)
	require.NoError(t, err)
	clock := testutil.NewMockTime(testutil.Epoch)
	m.SetClock(clock.Now)

	assert.True(t, m.rotationDue(), "no key at all")
	require.NoError(t, m.EnsureActive(ctx))
	assert.False(t, m.rotationDue())

	clock.Advance(25 * time.Hour)
	assert.True(t, m.rotationDue())

	first := m.ActiveKeyID()
	m.maintain(ctx)
	assert.NotEqual(t, first, m.ActiveKeyID())
}

type flakyKeyStore struct {
	storage.KeyStore
	failures int
}

func (f *flakyKeyStore) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return f.KeyStore.ListSigningKeys(ctx)
}

func TestManager_ReloadRetries(t *testing.T) {
	ctx := context.Background()
	inner := newMemoryStore(t)
	seed, _ := newTestManager(t, inner, nil)
	require.NoError(t, seed.EnsureActive(ctx))

	flaky := &flakyKeyStore{KeyStore: inner, failures: 2}
	m, _ := newTestManager(t, flaky, nil)
	require.NoError(t, m.Reload(ctx))
	assert.Equal(t, seed.ActiveKeyID(), m.ActiveKeyID())

	flaky.failures = storeReadAttempts
	assert.Error(t, m.Reload(ctx))
}
