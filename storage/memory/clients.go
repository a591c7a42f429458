package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Clients
// ============================================================

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ListClients returns all clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.observe(ctx, "list_clients")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// DeactivateClient marks a client inactive
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) (err error) {
	_, done := s.observe(ctx, "deactivate_client")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrClientNotFound
	}
	client.Active = false
	client.UpdatedAt = at
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("authorization code hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.CodeHash]; exists {
		return fmt.Errorf("authorization code already exists")
	}
	cp := *code
	s.codes[code.CodeHash] = &cp
	s.codesCount.Add(1)
	return nil
}

// GetAuthorizationCode returns a copy of the stored code
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	cp := *code
	return &cp, nil
}

// RedeemAuthorizationCode marks a code used and stores the minted tokens
// under one write lock
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, redemption storage.Redemption) (_ *storage.AuthorizationCode, err error) {
	_, done := s.observe(ctx, "redeem_authorization_code")
	defer func() { done(err) }()

	if redemption.Access == nil || redemption.Refresh == nil {
		return nil, fmt.Errorf("redemption requires an access token and a refresh token")
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	code, ok := s.codes[codeHash]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	// SECURITY: a used code is reported as used even past expiry so that the
	// caller can revoke what was issued from it
	if code.Used() {
		cp := *code
		return &cp, storage.ErrAuthorizationCodeUsed
	}

	if !redemption.At.Before(code.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	if !s.touchLiveSessionLocked(code.SessionID, code.UserID, code.ClientID, code.CreatedAt,
		redemption.IPAddress, redemption.UserAgent, redemption.At) {
		return nil, storage.ErrSessionTerminated
	}

	code.UsedAt = redemption.At
	code.IssuedAccessTokenHash = redemption.Access.TokenHash
	code.IssuedRefreshTokenHash = redemption.Refresh.TokenHash
	s.putAccessTokenLocked(redemption.Access)
	s.putRefreshTokenLocked(redemption.Refresh)

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(codeHash, tokenIDLogLength))

	cp := *code
	return &cp, nil
}

// ============================================================
// Nonces
// ============================================================

// ConsumeNonce records a single-use value
func (s *Store) ConsumeNonce(ctx context.Context, nonce *storage.Nonce) (err error) {
	_, done := s.observe(ctx, "consume_nonce")
	defer func() { done(err) }()

	if nonce == nil || nonce.ValueHash == "" {
		return fmt.Errorf("nonce hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nonces[nonce.ValueHash]; ok && nonce.UsedAt.Before(existing.ExpiresAt) {
		return storage.ErrNonceReplayed
	}
	cp := *nonce
	s.nonces[nonce.ValueHash] = &cp
	return nil
}

// ============================================================
// Signing keys
// ============================================================

// SaveSigningKey creates or replaces a signing key
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	_, done := s.observe(ctx, "save_signing_key")
	defer func() { done(err) }()

	if key == nil || key.KeyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.signingKeys[key.KeyID] = &cp
	return nil
}

// ListSigningKeys returns all signing keys, newest first
func (s *Store) ListSigningKeys(ctx context.Context) (_ []*storage.SigningKey, err error) {
	_, done := s.observe(ctx, "list_signing_keys")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.SigningKey, 0, len(s.signingKeys))
	for _, k := range s.signingKeys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ActivateSigningKey makes kid the only active key
func (s *Store) ActivateSigningKey(ctx context.Context, kid string, at time.Time) (err error) {
	_, done := s.observe(ctx, "activate_signing_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.signingKeys[kid]
	if !ok {
		return storage.ErrKeyNotFound
	}
	for _, k := range s.signingKeys {
		if k.Active && k.KeyID != kid {
			k.Active = false
			k.RotatedAt = at
		}
	}
	target.Active = true
	return nil
}

// DeleteSigningKey removes a signing key
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	_, done := s.observe(ctx, "delete_signing_key")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.signingKeys[kid]; !ok {
		return storage.ErrKeyNotFound
	}
	delete(s.signingKeys, kid)
	return nil
}
