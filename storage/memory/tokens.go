package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Access tokens
// ============================================================

// SaveAccessToken stores an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done := s.observe(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("access token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putAccessTokenLocked(token)
	return nil
}

func (s *Store) putAccessTokenLocked(token *storage.AccessToken) {
	if _, existed := s.accessTokens[token.TokenHash]; !existed {
		s.accessTokensCount.Add(1)
	}
	cp := *token
	s.accessTokens[token.TokenHash] = &cp
}

// GetAccessToken returns a copy of the stored access token
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	_, done := s.observe(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash, reason string, at time.Time) (_ bool, err error) {
	_, done := s.observe(ctx, "revoke_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.revokeAccessLocked(tokenHash, reason, at), nil
}

func (s *Store) revokeAccessLocked(tokenHash, reason string, at time.Time) bool {
	token, ok := s.accessTokens[tokenHash]
	if !ok || !token.RevokedAt.IsZero() {
		return false
	}
	token.RevokedAt = at
	token.RevocationReason = reason
	return true
}

// ============================================================
// Refresh tokens
// ============================================================

// SaveRefreshToken stores a refresh token and indexes it under its parent
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putRefreshTokenLocked(token)
	return nil
}

func (s *Store) putRefreshTokenLocked(token *storage.RefreshToken) {
	if _, existed := s.refreshTokens[token.TokenHash]; !existed {
		s.refreshTokensCount.Add(1)
		if token.ParentTokenHash != "" {
			s.children[token.ParentTokenHash] = append(s.children[token.ParentTokenHash], token.TokenHash)
		}
	}
	cp := *token
	s.refreshTokens[token.TokenHash] = &cp
}

// GetRefreshToken returns a copy of the stored refresh token
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *token
	return &cp, nil
}

// ListRefreshTokensByParent returns the direct children of a refresh token
func (s *Store) ListRefreshTokensByParent(ctx context.Context, parentHash string) (_ []*storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "list_refresh_tokens_by_parent")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.RefreshToken
	for _, hash := range s.children[parentHash] {
		if token, ok := s.refreshTokens[hash]; ok {
			cp := *token
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RotateRefreshToken performs the atomic active -> rotating transition
func (s *Store) RotateRefreshToken(ctx context.Context, parentHash string, rotation storage.Rotation) (err error) {
	_, done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if rotation.Child == nil || rotation.ChildAccess == nil {
		return fmt.Errorf("rotation requires a child refresh token and access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.refreshTokens[parentHash]
	if !ok {
		return storage.ErrTokenNotFound
	}

	// ATOMIC check-and-set: only one redemption can move the token out of active
	if parent.Status != storage.RefreshTokenActive {
		return fmt.Errorf("%w: refresh token is %s", storage.ErrStatusConflict, parent.Status)
	}

	if !s.touchLiveSessionLocked(parent.SessionID, parent.UserID, parent.ClientID, parent.IssuedAt,
		rotation.IPAddress, rotation.UserAgent, rotation.At) {
		return storage.ErrSessionTerminated
	}

	parent.Status = storage.RefreshTokenRotating
	parent.GraceExpiresAt = rotation.GraceExpiresAt
	parent.ChildTokenHash = rotation.Child.TokenHash
	parent.ReplayEnvelope = rotation.ReplayEnvelope
	parent.LastUsedAt = rotation.At
	if rotation.IPAddress != "" {
		parent.IPAddress = rotation.IPAddress
	}
	if rotation.UserAgent != "" {
		parent.UserAgent = rotation.UserAgent
	}

	s.putRefreshTokenLocked(rotation.Child)
	s.putAccessTokenLocked(rotation.ChildAccess)

	s.logger.Debug("Rotated refresh token",
		"parent_prefix", util.SafeTruncate(parentHash, tokenIDLogLength),
		"child_prefix", util.SafeTruncate(rotation.Child.TokenHash, tokenIDLogLength),
		"rotation_count", rotation.Child.RotationCount)
	return nil
}

// TransitionRefreshToken performs a conditional status change
func (s *Store) TransitionRefreshToken(ctx context.Context, tokenHash string, from []storage.RefreshTokenStatus, to storage.RefreshTokenStatus, reason string, at time.Time) (_ *storage.RefreshToken, err error) {
	_, done := s.observe(ctx, "transition_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !slices.Contains(from, token.Status) {
		return nil, fmt.Errorf("%w: refresh token is %s", storage.ErrStatusConflict, token.Status)
	}

	applyRefreshTransition(token, to, reason, at)
	cp := *token
	return &cp, nil
}

func applyRefreshTransition(token *storage.RefreshToken, to storage.RefreshTokenStatus, reason string, at time.Time) {
	token.Status = to
	switch to {
	case storage.RefreshTokenRevoked:
		token.RevokedAt = at
		token.RevocationReason = reason
		token.ReplayEnvelope = ""
	case storage.RefreshTokenExpired:
		token.ReplayEnvelope = ""
	}
}

// RevokeTokens revokes every live token matching the filter
func (s *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter, reason string, at time.Time) (_ storage.RevocationCounts, err error) {
	_, done := s.observe(ctx, "revoke_tokens")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	var counts storage.RevocationCounts
	for hash, token := range s.accessTokens {
		if token.Live(at) && filter.MatchAccess(token) {
			s.revokeAccessLocked(hash, reason, at)
			counts.AccessTokens++
		}
	}
	for _, rt := range s.refreshTokens {
		if rt.Redeemable() && at.Before(rt.ExpiresAt) && filter.MatchRefresh(rt) {
			applyRefreshTransition(rt, storage.RefreshTokenRevoked, reason, at)
			counts.RefreshTokens++
		}
	}
	return counts, nil
}

// CountTokens counts what RevokeTokens would revoke
func (s *Store) CountTokens(ctx context.Context, filter storage.TokenFilter, at time.Time) (_ storage.RevocationCounts, err error) {
	_, done := s.observe(ctx, "count_tokens")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts storage.RevocationCounts
	for _, t := range s.accessTokens {
		if t.Live(at) && filter.MatchAccess(t) {
			counts.AccessTokens++
		}
	}
	for _, rt := range s.refreshTokens {
		if rt.Redeemable() && at.Before(rt.ExpiresAt) && filter.MatchRefresh(rt) {
			counts.RefreshTokens++
		}
	}
	return counts, nil
}
