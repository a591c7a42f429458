package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/storage"
	"github.com/giantswarm/sso-core/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sso.db")
	store, err := Open(context.Background(), path, Options{CleanupInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		return newTestStore(t)
	})
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sso.db")

	first, err := Open(ctx, path, Options{CleanupInterval: -1})
	require.NoError(t, err)
	require.NoError(t, first.SaveClient(ctx, &storage.Client{ClientID: "client-a", Active: true}))
	require.NoError(t, first.Close())

	// Reopening an existing database keeps its data
	second, err := Open(ctx, path, Options{CleanupInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{CodeHash: "unused", CreatedAt: base, ExpiresAt: base.Add(time.Minute)}))
	require.NoError(t, store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{CodeHash: "used", CreatedAt: base, ExpiresAt: base.Add(time.Minute), UsedAt: base}))

	require.NoError(t, store.SaveAccessToken(ctx, &storage.AccessToken{TokenHash: "at", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, store.SaveRefreshToken(ctx, &storage.RefreshToken{TokenHash: "rt", Status: storage.RefreshTokenActive, IssuedAt: base, ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, store.ConsumeNonce(ctx, &storage.Nonce{ValueHash: "n", ExpiresAt: base.Add(time.Minute), UsedAt: base}))

	removed, err := store.Cleanup(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "unused code and nonce")

	_, err = store.GetAuthorizationCode(ctx, "used")
	assert.NoError(t, err, "used codes are kept for replay detection")

	removed, err = store.Cleanup(ctx, base.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "used code and access token")

	_, err = store.GetRefreshToken(ctx, "rt")
	assert.NoError(t, err, "refresh tokens are retained for family walks")
}

func TestStore_ConsumeNonceAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.ConsumeNonce(ctx, &storage.Nonce{ValueHash: "n", ExpiresAt: base.Add(time.Minute), UsedAt: base}))
	assert.ErrorIs(t, store.ConsumeNonce(ctx, &storage.Nonce{ValueHash: "n", ExpiresAt: base.Add(time.Hour), UsedAt: base.Add(30 * time.Second)}), storage.ErrNonceReplayed)

	// Once the stored record has expired the value may be recorded again
	assert.NoError(t, store.ConsumeNonce(ctx, &storage.Nonce{ValueHash: "n", ExpiresAt: base.Add(time.Hour), UsedAt: base.Add(time.Minute)}))
	assert.ErrorIs(t, store.ConsumeNonce(ctx, &storage.Nonce{ValueHash: "n", ExpiresAt: base.Add(time.Hour), UsedAt: base.Add(2 * time.Minute)}), storage.ErrNonceReplayed)
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store := newTestStore(t)
	store.SetInstrumentation(inst)

	ctx := context.Background()
	require.NoError(t, store.SaveClient(ctx, &storage.Client{ClientID: "client-a", Active: true}))
	_, err = store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestStringList_RoundTripsEmpty(t *testing.T) {
	v, err := stringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	var l stringList
	require.NoError(t, l.Scan("[]"))
	assert.Nil(t, l)
	require.NoError(t, l.Scan([]byte(`["openid","email"]`)))
	assert.Equal(t, stringList{"openid", "email"}, l)
	assert.Error(t, l.Scan(42))
}
