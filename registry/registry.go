// Package registry provides the client catalog shared by the authorization
// server components.
//
// A Registry is constructed explicitly and passed to whoever needs it. It
// caches the clients of a storage.ClientStore in memory and is refreshed with
// Reload, either by the caller after an administrative change or by Start on
// a timer. Lookups never touch the store.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

const (
	// DefaultReloadInterval is used by Start when no interval is given.
	DefaultReloadInterval = time.Minute

	storeReadAttempts = 3
)

var (
	// ErrInvalidClientCredentials is returned when a client cannot be
	// authenticated. Unknown clients and wrong secrets are indistinguishable.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrClientInactive is returned for deactivated clients.
	ErrClientInactive = errors.New("client is deactivated")
)

// dummyHash is compared against when the client is unknown or public so that
// a failed authentication always costs one bcrypt comparison.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("sso-core-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash dummy secret: %v", err))
	}
	return h
}()

// Registry is a read-mostly cache over a storage.ClientStore.
type Registry struct {
	store   storage.ClientStore
	logger  *slog.Logger
	auditor *security.Auditor
	now     func() time.Time

	mu      sync.RWMutex
	clients map[string]*storage.Client
	loaded  time.Time
}

// New creates a Registry. Call Reload to populate it.
func New(store storage.ClientStore, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*storage.Client),
	}, nil
}

// SetAuditor enables audit events for registrations and deactivations.
func (r *Registry) SetAuditor(a *security.Auditor) {
	r.auditor = a
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Reload replaces the cache with the store's current catalog. Reads are
// retried with exponential backoff; on failure the previous catalog stays.
func (r *Registry) Reload(ctx context.Context) error {
	clients, err := backoff.Retry(ctx, func() ([]*storage.Client, error) {
		return r.store.ListClients(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(storeReadAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("Failed to list clients, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to load client registry: %w", err)
	}

	next := make(map[string]*storage.Client, len(clients))
	for _, c := range clients {
		next[c.ClientID] = c
	}

	r.mu.Lock()
	r.clients = next
	r.loaded = r.now()
	r.mu.Unlock()

	r.logger.Debug("Client registry reloaded", "clients", len(next))
	return nil
}

// Start reloads the registry every interval until ctx is done.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Error("Failed to reload client registry", "error", err)
			}
		}
	}
}

// Get returns a copy of the client, active or not. Returns
// storage.ErrClientNotFound for unknown IDs.
func (r *Registry) Get(clientID string) (*storage.Client, error) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return clone(c), nil
}

// List returns every cached client ordered by ID.
func (r *Registry) List() []*storage.Client {
	r.mu.RLock()
	out := make([]*storage.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, clone(c))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return out
}

// LoadedAt returns when the catalog was last reloaded.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Authenticate verifies a client's credentials and returns the client.
//
// Public clients authenticate with an empty secret. A confidential client
// must present the secret whose bcrypt hash is registered. Every failure
// path performs one bcrypt comparison so that response timing does not
// reveal whether a client ID exists.
func (r *Registry) Authenticate(clientID, secret string) (*storage.Client, error) {
	client, err := r.Get(clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return nil, ErrInvalidClientCredentials
	}

	if !client.Confidential {
		// A public client presenting a secret is misconfigured, not authenticated
		if secret != "" {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			return nil, ErrInvalidClientCredentials
		}
	} else {
		hash := []byte(client.ClientSecretHash)
		if len(hash) == 0 {
			hash = dummyHash
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil || len(client.ClientSecretHash) == 0 {
			return nil, ErrInvalidClientCredentials
		}
	}

	if !client.Active {
		return nil, ErrClientInactive
	}
	return client, nil
}

// Registration describes a new client.
type Registration struct {
	// ClientID is optional; a random ID is generated when empty.
	ClientID     string
	ClientName   string
	RedirectURIs []string
	Scopes       []string
	Confidential bool
	Trusted      bool
	Service      bool

	// Secret is optional for confidential clients; one is generated when
	// empty. It is ignored for public clients.
	Secret string
}

// Register validates and stores a new client and reloads the registry. The
// plaintext secret is returned once and never stored.
func (r *Registry) Register(ctx context.Context, reg Registration) (*storage.Client, string, error) {
	if len(reg.RedirectURIs) == 0 {
		return nil, "", fmt.Errorf("at least one redirect URI is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := util.ValidateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	clientID := reg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if existing, err := r.store.GetClient(ctx, clientID); err == nil && existing != nil {
		return nil, "", fmt.Errorf("client %s already exists", clientID)
	} else if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return nil, "", fmt.Errorf("failed to check client: %w", err)
	}

	var secret, secretHash string
	if reg.Confidential {
		secret = reg.Secret
		if secret == "" {
			secret = oauth2.GenerateVerifier()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	now := r.now()
	client := &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: secretHash,
		ClientName:       reg.ClientName,
		RedirectURIs:     slices.Clone(reg.RedirectURIs),
		Scopes:           slices.Clone(reg.Scopes),
		Confidential:     reg.Confidential,
		Active:           true,
		Trusted:          reg.Trusted,
		Service:          reg.Service,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, "", err
	}

	r.logger.Info("Registered client",
		"client_id", clientID,
		"client_name", reg.ClientName,
		"confidential", reg.Confidential,
		"trusted", reg.Trusted)
	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"confidential": reg.Confidential,
			"service":      reg.Service,
		},
	})
	return clone(client), secret, nil
}

// Deactivate soft-deletes a client and reloads the registry. The client
// stays in the catalog so that its tokens can still be attributed.
func (r *Registry) Deactivate(ctx context.Context, clientID string) error {
	if err := r.store.DeactivateClient(ctx, clientID, r.now()); err != nil {
		return fmt.Errorf("failed to deactivate client %s: %w", clientID, err)
	}
	if err := r.Reload(ctx); err != nil {
		return err
	}

	r.logger.Info("Deactivated client", "client_id", clientID)
	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientDeactivated,
		Severity: security.SeverityWarning,
		ClientID: clientID,
	})
	return nil
}

// RedirectURIAllowed reports whether uri exactly matches a registered
// redirect URI of the client.
func RedirectURIAllowed(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(registered), []byte(uri)) == 1 {
			return true
		}
	}
	return false
}

func clone(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}
