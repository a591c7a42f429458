// Package keys manages the asymmetric keys that sign identity tokens.
//
// Exactly one key is active for signing. Retired keys stay in the published
// key set until their ExpiresAt so that tokens signed just before a rotation
// keep verifying. Private keys are stored as PKCS#8 PEM, encrypted with the
// configured security.Encryptor.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

const (
	// Algorithm is the only signature algorithm issued.
	Algorithm = jose.RS256

	DefaultKeyBits          = 2048
	DefaultRotationInterval = 30 * 24 * time.Hour
	DefaultOverlap          = 24 * time.Hour
	DefaultRefreshInterval  = 5 * time.Minute

	storeReadAttempts = 3
)

var (
	// ErrNoActiveKey is returned when signing is attempted before a key exists.
	ErrNoActiveKey = errors.New("no active signing key")

	// ErrUnknownKey is returned when a token names a key that is not published.
	ErrUnknownKey = errors.New("unknown signing key")
)

// Config controls key generation and rotation.
type Config struct {
	KeyBits int

	// RotationInterval is the age after which Start rotates the active key.
	// Zero selects the default; a negative value disables automatic rotation.
	RotationInterval time.Duration

	// Overlap is how long a retired key stays published for verification.
	Overlap time.Duration

	// RefreshInterval is how often Start reloads keys from the store.
	RefreshInterval time.Duration
}

type signingKey struct {
	kid       string
	private   *rsa.PrivateKey
	createdAt time.Time
	expiresAt time.Time
}

// Manager caches signing keys from a storage.KeyStore.
type Manager struct {
	store     storage.KeyStore
	encryptor *security.Encryptor
	config    Config
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	active    *signingKey
	published []*signingKey
}

// New creates a Manager. Call EnsureActive before signing.
func New(store storage.KeyStore, encryptor *security.Encryptor, config Config, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.KeyBits == 0 {
		config.KeyBits = DefaultKeyBits
	}
	if config.KeyBits < 2048 {
		return nil, fmt.Errorf("RSA keys must be at least 2048 bits, got %d", config.KeyBits)
	}
	if config.RotationInterval == 0 {
		config.RotationInterval = DefaultRotationInterval
	}
	if config.Overlap <= 0 {
		config.Overlap = DefaultOverlap
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if !encryptor.IsEnabled() {
		logger.Warn("SECURITY WARNING: signing keys are stored unencrypted",
			"risk", "private keys readable by anyone with storage access",
			"recommendation", "configure an encryption key")
	}

	return &Manager{
		store:     store,
		encryptor: encryptor,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetAuditor enables audit events for rotations.
func (m *Manager) SetAuditor(a *security.Auditor) {
	m.auditor = a
}

// SetInstrumentation enables rotation and signing metrics.
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		m.metrics = inst.Metrics()
	}
}

// EnsureActive loads the stored keys and generates the first one if none is
// active.
func (m *Manager) EnsureActive(ctx context.Context) error {
	if err := m.Reload(ctx); err != nil {
		return err
	}
	if m.ActiveKeyID() != "" {
		return nil
	}
	_, err := m.Rotate(ctx)
	return err
}

// Reload replaces the cache with the store's current keys. Reads are
// retried with exponential backoff.
func (m *Manager) Reload(ctx context.Context) error {
	stored, err := backoff.Retry(ctx, func() ([]*storage.SigningKey, error) {
		return m.store.ListSigningKeys(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(storeReadAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.logger.Warn("Failed to list signing keys, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to list signing keys: %w", err)
	}

	now := m.now()
	var (
		active    *signingKey
		published []*signingKey
	)
	for _, sk := range stored {
		if !sk.Active && !sk.ExpiresAt.IsZero() && !now.Before(sk.ExpiresAt) {
			continue
		}
		key, err := m.decode(sk)
		if err != nil {
			m.logger.Error("Skipping unreadable signing key", "kid", sk.KeyID, "error", err)
			continue
		}
		if sk.Active && active == nil {
			active = key
		}
		published = append(published, key)
	}

	m.mu.Lock()
	m.active = active
	m.published = published
	m.mu.Unlock()
	return nil
}

// Rotate generates a new key, makes it the only active one and schedules the
// previous active key for removal after the overlap.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.config.KeyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	kid, err := deriveKeyID(priv)
	if err != nil {
		return "", err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	privPEM, err := m.encryptor.EncryptString(
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})), kid)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt private key: %w", err)
	}

	now := m.now()
	if err := m.store.SaveSigningKey(ctx, &storage.SigningKey{
		KeyID:         kid,
		Algorithm:     string(Algorithm),
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		CreatedAt:     now,
	}); err != nil {
		return "", fmt.Errorf("failed to save signing key: %w", err)
	}

	// Retired keys keep verifying for the overlap window
	stored, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list signing keys: %w", err)
	}
	for _, sk := range stored {
		if sk.Active && sk.KeyID != kid {
			sk.ExpiresAt = now.Add(m.config.Overlap)
			if err := m.store.SaveSigningKey(ctx, sk); err != nil {
				return "", fmt.Errorf("failed to schedule retirement of %s: %w", sk.KeyID, err)
			}
		}
	}

	if err := m.store.ActivateSigningKey(ctx, kid, now); err != nil {
		return "", fmt.Errorf("failed to activate signing key: %w", err)
	}
	if err := m.Reload(ctx); err != nil {
		return "", err
	}

	m.logger.Info("Rotated signing key", "kid", kid)
	if m.metrics != nil {
		m.metrics.RecordKeyRotation(ctx)
	}
	m.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventSigningKeyRotated,
		Severity: security.SeverityInfo,
		Details:  map[string]any{"kid": kid},
	})
	return kid, nil
}

// Prune deletes retired keys whose overlap has ended and returns how many
// were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	stored, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list signing keys: %w", err)
	}
	now := m.now()
	removed := 0
	for _, sk := range stored {
		if sk.Active || sk.ExpiresAt.IsZero() || now.Before(sk.ExpiresAt) {
			continue
		}
		if err := m.store.DeleteSigningKey(ctx, sk.KeyID); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return removed, fmt.Errorf("failed to delete signing key %s: %w", sk.KeyID, err)
		}
		removed++
	}
	return removed, nil
}

// Start reloads keys every RefreshInterval, rotates the active key once it
// is older than RotationInterval and prunes expired keys. It blocks until
// ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maintain(ctx)
		}
	}
}

func (m *Manager) maintain(ctx context.Context) {
	if err := m.Reload(ctx); err != nil {
		m.logger.Error("Failed to reload signing keys", "error", err)
		return
	}
	if m.rotationDue() {
		if _, err := m.Rotate(ctx); err != nil {
			m.logger.Error("Failed to rotate signing key", "error", err)
		}
	}
	if n, err := m.Prune(ctx); err != nil {
		m.logger.Warn("Failed to prune signing keys", "error", err)
	} else if n > 0 {
		m.logger.Debug("Pruned retired signing keys", "count", n)
	}
}

func (m *Manager) rotationDue() bool {
	if m.config.RotationInterval < 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active == nil || !m.now().Before(m.active.createdAt.Add(m.config.RotationInterval))
}

// ActiveKeyID returns the kid of the signing key, or "" if none is loaded.
func (m *Manager) ActiveKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.kid
}

// JWKS returns the public keys of every published key.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(m.published))}
	for _, k := range m.published {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.private.PublicKey,
			KeyID:     k.kid,
			Algorithm: string(Algorithm),
			Use:       "sig",
		})
	}
	return set
}

// Sign serializes claims as a compact JWT signed by the active key.
func (m *Manager) Sign(claims any) (string, error) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == nil {
		return "", ErrNoActiveKey
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: Algorithm, Key: jose.JSONWebKey{Key: active.private, KeyID: active.kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature of a compact JWT against the published keys
// and decodes its claims into dest. Claim validation (exp, aud) is left to
// the caller.
func (m *Manager) Verify(token string, dest ...any) error {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{Algorithm})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if len(parsed.Headers) == 0 {
		return fmt.Errorf("token has no header")
	}
	kid := parsed.Headers[0].KeyID

	m.mu.RLock()
	var pub *rsa.PublicKey
	for _, k := range m.published {
		if k.kid == kid {
			pub = &k.private.PublicKey
			break
		}
	}
	m.mu.RUnlock()
	if pub == nil {
		return fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}

	if err := parsed.Claims(pub, dest...); err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}
	return nil
}

func (m *Manager) decode(sk *storage.SigningKey) (*signingKey, error) {
	plain, err := m.encryptor.DecryptString(sk.PrivateKeyPEM, sk.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	block, _ := pem.Decode([]byte(plain))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return &signingKey{
		kid:       sk.KeyID,
		private:   priv,
		createdAt: sk.CreatedAt,
		expiresAt: sk.ExpiresAt,
	}, nil
}

// deriveKeyID computes the RFC 7638 thumbprint of the public key.
func deriveKeyID(priv *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: &priv.PublicKey}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
