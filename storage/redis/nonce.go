// Package redis provides a Redis-backed storage.NonceStore so that several
// server instances share one replay window for nonces and other single-use
// values.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/sso-core/storage"
)

const (
	// DefaultKeyPrefix namespaces every key written by the store.
	DefaultKeyPrefix = "sso:"

	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds Redis connection configuration.
type Config struct {
	// Addrs is a single address, a cluster seed list, or the sentinel
	// addresses when MasterName is set.
	Addrs      []string
	MasterName string
	Username   string
	Password   string
	DB         int

	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NonceStore implements storage.NonceStore on top of SET NX PX.
type NonceStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ storage.NonceStore = (*NonceStore)(nil)

// NewNonceStore connects to Redis and verifies the connection.
func NewNonceStore(ctx context.Context, cfg Config) (*NonceStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewNonceStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewNonceStoreWithClient wraps a pre-configured client.
func NewNonceStoreWithClient(client redis.UniversalClient, keyPrefix string) *NonceStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &NonceStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (s *NonceStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *NonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ConsumeNonce records the nonce until its expiry. The key's TTL carries the
// replay window, so an expired record simply no longer exists.
func (s *NonceStore) ConsumeNonce(ctx context.Context, nonce *storage.Nonce) error {
	if nonce == nil || nonce.ValueHash == "" {
		return fmt.Errorf("nonce hash cannot be empty")
	}

	ttl := nonce.ExpiresAt.Sub(nonce.UsedAt)
	if ttl <= 0 {
		// Already outside its window; nothing can replay it.
		return nil
	}

	key := s.keyPrefix + "nonce:" + nonce.ValueHash
	ok, err := s.client.SetNX(ctx, key, nonce.ClientID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	if !ok {
		return storage.ErrNonceReplayed
	}
	return nil
}
