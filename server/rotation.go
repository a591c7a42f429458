package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// redeemableStatuses are the statuses a family member can be revoked from
var redeemableStatuses = []storage.RefreshTokenStatus{
	storage.RefreshTokenActive,
	storage.RefreshTokenRotating,
	storage.RefreshTokenExpired,
}

// RefreshAccessToken redeems a refresh token.
//
// An active token is rotated: it moves to rotating, a child pair is minted,
// and the pair is kept in an encrypted envelope on the parent for the grace
// window. A retry of the parent inside the window returns the same pair, so a
// client that lost the response is not logged out. A redemption after the
// window revokes the whole family (OAuth 2.1 section 6.1 reuse detection).
func (s *Server) RefreshAccessToken(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.RefreshAccessToken")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}()

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IPAddress)
	if err != nil {
		return nil, err
	}
	if req.RefreshToken == "" {
		return nil, newError(ErrorCodeInvalidRequest, "refresh_token is required", nil)
	}

	tokenHash := storage.HashToken(req.RefreshToken)

	// One re-dispatch covers losing the rotation race: the token is then
	// rotating and the winner's envelope is served.
	for attempt := 0; attempt < 2; attempt++ {
		token, err := s.store.GetRefreshToken(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				s.Auditor.LogAuthFailure(ctx, "", client.ClientID, req.IPAddress, "refresh_token_not_found")
				return nil, invalidGrant(err)
			}
			return nil, serverError(err)
		}
		if token.ClientID != client.ClientID {
			// Never reveal that the token exists for another client
			s.Auditor.LogAuthFailure(ctx, token.UserID, client.ClientID, req.IPAddress, "refresh_token_client_mismatch")
			return nil, invalidGrant(nil)
		}
		instrumentation.AddOAuthFlowAttributes(span, "", token.UserID, "")

		resp, err := s.redeemRefreshToken(ctx, client, token, req)
		if errors.Is(err, storage.ErrStatusConflict) {
			continue
		}
		return resp, err
	}
	return nil, invalidGrant(storage.ErrStatusConflict)
}

// redeemRefreshToken dispatches on the token status. ErrStatusConflict is
// returned unwrapped when a concurrent request changed the token.
func (s *Server) redeemRefreshToken(ctx context.Context, client *storage.Client, token *storage.RefreshToken, req TokenRequest) (*TokenResponse, error) {
	now := s.now()

	switch token.Status {
	case storage.RefreshTokenRevoked:
		if s.allowSecurityLog(token.UserID + ":" + client.ClientID) {
			s.Logger.Error("Revoked refresh token presented",
				"user_id", token.UserID,
				"client_id", client.ClientID,
				"token_prefix", util.SafeTruncate(token.TokenHash, tokenIDLogLength),
				"revocation_reason", token.RevocationReason)
		}
		s.Auditor.LogReplayDetected(ctx, security.EventRevokedTokenFamilyReuseAttempt, token.UserID, client.ClientID, req.IPAddress, map[string]any{
			"revocation_reason": token.RevocationReason,
		})
		if s.metrics != nil {
			s.metrics.RecordReplayDetected(ctx, "revoked_refresh_token")
		}
		return nil, invalidGrant(nil)

	case storage.RefreshTokenExpired:
		return nil, invalidGrant(storage.ErrTokenExpired)
	}

	if security.IsExpiredAt(now, token.ExpiresAt, s.config.clockSkew()) {
		if _, err := s.store.TransitionRefreshToken(ctx, token.TokenHash,
			[]storage.RefreshTokenStatus{storage.RefreshTokenActive, storage.RefreshTokenRotating},
			storage.RefreshTokenExpired, "expired", now); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			s.Logger.Warn("Failed to mark refresh token expired", "error", err)
		}
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventTokenExpired,
			UserID:    token.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.IPAddress,
		})
		return nil, invalidGrant(storage.ErrTokenExpired)
	}

	switch token.Status {
	case storage.RefreshTokenActive:
		return s.rotate(ctx, client, token, req)

	case storage.RefreshTokenRotating:
		if !now.After(token.GraceExpiresAt) {
			return s.replayEnvelope(ctx, client, token, req)
		}
		return nil, s.handleRefreshReplay(ctx, client, token, req.IPAddress)

	default:
		return nil, serverError(fmt.Errorf("refresh token has unknown status %q", token.Status))
	}
}

// rotate performs the active to rotating transition. The store refuses it
// once the token's session has been terminated.
func (s *Server) rotate(ctx context.Context, client *storage.Client, token *storage.RefreshToken, req TokenRequest) (*TokenResponse, error) {
	// Scope may only narrow; the family keeps the original grant
	accessScope := ""
	if req.Scope != "" {
		requested := storage.ParseScope(req.Scope)
		if !storage.ScopesCover(storage.ParseScope(token.Scope), requested) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventScopeEscalationAttempt,
				Severity:  security.SeverityWarning,
				UserID:    token.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"requested": req.Scope, "granted": token.Scope},
			})
			return nil, newError(ErrorCodeInvalidScope, "requested scope exceeds the original grant", nil)
		}
		accessScope = storage.FormatScope(requested)
	}

	issued, err := s.mintTokens(ctx, mintRequest{
		client:         client,
		userID:         token.UserID,
		sessionID:      token.SessionID,
		browserContext: token.BrowserContext,
		scope:          token.Scope,
		accessScope:    accessScope,
		parentHash:     token.TokenHash,
		rotationCount:  token.RotationCount + 1,
		ipAddress:      req.IPAddress,
		userAgent:      req.UserAgent,
	})
	if err != nil {
		return nil, serverError(err)
	}

	envelope, err := s.sealEnvelope(issued.response, token.TokenHash)
	if err != nil {
		return nil, serverError(err)
	}

	now := s.now()
	err = s.store.RotateRefreshToken(ctx, token.TokenHash, storage.Rotation{
		Child:          issued.refresh,
		ChildAccess:    issued.access,
		GraceExpiresAt: now.Add(s.config.rotationGrace()),
		ReplayEnvelope: envelope,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		At:             now,
	})
	switch {
	case errors.Is(err, storage.ErrStatusConflict):
		return nil, err
	case errors.Is(err, storage.ErrSessionTerminated):
		s.Auditor.LogAuthFailure(ctx, token.UserID, client.ClientID, req.IPAddress, "session_terminated")
		return nil, invalidGrant(nil)
	case err != nil:
		return nil, serverError(fmt.Errorf("failed to rotate refresh token: %w", err))
	}

	s.Logger.Debug("Rotated refresh token",
		"client_id", client.ClientID,
		"rotation_count", issued.refresh.RotationCount,
		"parent_prefix", util.SafeTruncate(token.TokenHash, tokenIDLogLength))
	s.Auditor.LogTokenRefreshed(ctx, token.UserID, client.ClientID, req.IPAddress, issued.refresh.RotationCount, false)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, false)
	}
	return issued.response, nil
}

// replayEnvelope serves the child pair of a rotating token inside its grace window.
func (s *Server) replayEnvelope(ctx context.Context, client *storage.Client, token *storage.RefreshToken, req TokenRequest) (*TokenResponse, error) {
	if token.ReplayEnvelope == "" {
		// The envelope is cleared when the family is revoked concurrently
		return nil, invalidGrant(nil)
	}
	resp, err := s.openEnvelope(token.ReplayEnvelope, token.TokenHash)
	if err != nil {
		return nil, serverError(err)
	}

	// The child may have been revoked since (logout, batch revocation)
	if token.ChildTokenHash != "" {
		child, err := s.store.GetRefreshToken(ctx, token.ChildTokenHash)
		if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return nil, serverError(err)
		}
		if child == nil || child.Status == storage.RefreshTokenRevoked {
			return nil, invalidGrant(nil)
		}
	}

	s.Auditor.LogTokenRefreshed(ctx, token.UserID, client.ClientID, req.IPAddress, token.RotationCount+1, true)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, client.ClientID, true)
	}
	return resp, nil
}

// handleRefreshReplay revokes the family of a token presented after its grace window.
func (s *Server) handleRefreshReplay(ctx context.Context, client *storage.Client, token *storage.RefreshToken, ipAddress string) error {
	counts, err := s.revokeFamily(ctx, token.TokenHash, "refresh_token_replay")
	if err != nil {
		s.Logger.Error("Failed to revoke token family after refresh token replay", "error", err)
	}

	if s.allowSecurityLog(token.UserID + ":" + client.ClientID) {
		s.Logger.Error("Refresh token reuse detected - revoking token family",
			"user_id", token.UserID,
			"client_id", client.ClientID,
			"rotation_count", token.RotationCount,
			"access_tokens_revoked", counts.AccessTokens,
			"refresh_tokens_revoked", counts.RefreshTokens,
			"oauth_spec", "OAuth 2.1 Section 6.1")
	}
	s.Auditor.LogReplayDetected(ctx, security.EventRefreshTokenReplayDetected, token.UserID, client.ClientID, ipAddress, map[string]any{
		"action":                 "token_family_revoked",
		"rotation_count":         token.RotationCount,
		"grace_expired_at":       token.GraceExpiresAt,
		"access_tokens_revoked":  counts.AccessTokens,
		"refresh_tokens_revoked": counts.RefreshTokens,
	})
	if s.metrics != nil {
		s.metrics.RecordReplayDetected(ctx, "refresh_token")
		s.metrics.RecordTokensRevoked(ctx, "refresh_token_replay", counts.AccessTokens+counts.RefreshTokens)
	}
	return invalidGrant(ErrReplayDetected)
}

// revokeFamily revokes every refresh token connected to tokenHash through
// parent and child links, together with their access tokens. Members that
// are already revoked are skipped; the walk continues past failures.
func (s *Server) revokeFamily(ctx context.Context, tokenHash, reason string) (storage.RevocationCounts, error) {
	var (
		counts  storage.RevocationCounts
		errs    []error
		visited = map[string]bool{}
		queue   = []string{tokenHash}
	)
	now := s.now()

	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if hash == "" || visited[hash] {
			continue
		}
		visited[hash] = true

		token, err := s.store.GetRefreshToken(ctx, hash)
		if errors.Is(err, storage.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		queue = append(queue, token.ParentTokenHash, token.ChildTokenHash)
		children, err := s.store.ListRefreshTokensByParent(ctx, hash)
		if err != nil {
			errs = append(errs, err)
		}
		for _, child := range children {
			queue = append(queue, child.TokenHash)
		}

		_, err = s.store.TransitionRefreshToken(ctx, hash, redeemableStatuses, storage.RefreshTokenRevoked, reason, now)
		switch {
		case err == nil:
			counts.RefreshTokens++
		case !errors.Is(err, storage.ErrStatusConflict):
			errs = append(errs, err)
		}

		if token.AccessTokenHash != "" {
			revoked, err := s.store.RevokeAccessToken(ctx, token.AccessTokenHash, reason, now)
			if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
				errs = append(errs, err)
			} else if revoked {
				counts.AccessTokens++
			}
		}
	}
	return counts, errors.Join(errs...)
}

// sealEnvelope serializes the child token pair, bound to the parent hash.
func (s *Server) sealEnvelope(resp *TokenResponse, parentHash string) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode replay envelope: %w", err)
	}
	sealed, err := s.Encryptor.EncryptString(string(data), parentHash)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt replay envelope: %w", err)
	}
	return sealed, nil
}

func (s *Server) openEnvelope(envelope, parentHash string) (*TokenResponse, error) {
	data, err := s.Encryptor.DecryptString(envelope, parentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt replay envelope: %w", err)
	}
	var resp TokenResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode replay envelope: %w", err)
	}
	return &resp, nil
}
