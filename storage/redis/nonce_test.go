package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/storage"
)

func newTestStore(t *testing.T) (*NonceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewNonceStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNonceStore_ConsumeOnce(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	nonce := &storage.Nonce{ValueHash: storage.HashToken("n-1"), ClientID: "client-a", UsedAt: base, ExpiresAt: base.Add(10 * time.Minute)}
	require.NoError(t, store.ConsumeNonce(ctx, nonce))
	assert.ErrorIs(t, store.ConsumeNonce(ctx, nonce), storage.ErrNonceReplayed)

	key := "test:nonce:" + nonce.ValueHash
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 10*time.Minute, mr.TTL(key))

	// Once the TTL elapses the value is accepted again
	mr.FastForward(11 * time.Minute)
	assert.NoError(t, store.ConsumeNonce(ctx, nonce))
}

func TestNonceStore_ExpiredNonceIsNotStored(t *testing.T) {
	store, mr := newTestStore(t)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	nonce := &storage.Nonce{ValueHash: "stale", UsedAt: base, ExpiresAt: base.Add(-time.Second)}
	require.NoError(t, store.ConsumeNonce(context.Background(), nonce))
	assert.False(t, mr.Exists("test:nonce:stale"))
}

func TestNonceStore_ConcurrentConsumption(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	nonce := storage.Nonce{ValueHash: "shared", UsedAt: base, ExpiresAt: base.Add(time.Minute)}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := nonce
			if err := store.ConsumeNonce(context.Background(), &n); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestNonceStore_RejectsEmptyHash(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.ConsumeNonce(context.Background(), &storage.Nonce{}))
	assert.Error(t, store.ConsumeNonce(context.Background(), nil))
}

func TestNewNonceStore_RequiresAddress(t *testing.T) {
	_, err := NewNonceStore(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewNonceStore_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewNonceStore(context.Background(), Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, DefaultKeyPrefix, store.keyPrefix)
}
