package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// Grant types accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "bearer"

// TokenRequest holds the parameters of a token endpoint request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
	IPAddress    string
	UserAgent    string
}

// TokenResponse is a successful token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// idTokenClaims are the claims of an OpenID Connect identity token
type idTokenClaims struct {
	jwt.Claims
	AuthTime  int64  `json:"auth_time,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	AtHash    string `json:"at_hash,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// Token dispatches a token request on its grant type.
func (s *Server) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req)
	case GrantTypeRefreshToken:
		return s.RefreshAccessToken(ctx, req)
	case "":
		return nil, newError(ErrorCodeInvalidRequest, "grant_type is required", nil)
	default:
		return nil, newError(ErrorCodeUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", req.GrantType), nil)
	}
}

// ExchangeAuthorizationCode redeems an authorization code.
//
// Every check runs against a plain read of the code; the atomic redemption
// is the last step, so a failed redemption commits nothing. A
// second redemption of a code revokes whatever was issued from it and is
// reported as invalid_grant wrapping ErrReplayDetected.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (_ *TokenResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")
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
	if req.Code == "" {
		return nil, newError(ErrorCodeInvalidRequest, "code is required", nil)
	}

	codeHash := storage.HashToken(req.Code)
	authCode, err := s.store.GetAuthorizationCode(ctx, codeHash)
	if err != nil {
		if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, serverError(err)
		}
		s.rejectCode(ctx, client.ClientID, "", req, "code_not_found")
		return nil, invalidGrant(err)
	}

	if authCode.Used() {
		return nil, s.handleCodeReplay(ctx, authCode, client.ClientID, req.IPAddress)
	}

	if authCode.ClientID != client.ClientID {
		s.rejectCode(ctx, client.ClientID, authCode.UserID, req, "client_id_mismatch")
		return nil, invalidGrant(nil)
	}

	now := s.now()
	if security.IsExpiredAt(now, authCode.ExpiresAt, s.config.clockSkew()) {
		s.rejectCode(ctx, client.ClientID, authCode.UserID, req, "code_expired")
		return nil, invalidGrant(storage.ErrTokenExpired)
	}

	if authCode.RedirectURI != req.RedirectURI {
		s.rejectCode(ctx, client.ClientID, authCode.UserID, req, "redirect_uri_mismatch")
		return nil, invalidGrant(nil)
	}

	if authCode.CodeChallenge != "" {
		if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventPKCEValidationFailed,
				Severity:  security.SeverityWarning,
				UserID:    authCode.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"reason": err.Error()},
			})
			if s.metrics != nil {
				s.metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
			}
			return nil, invalidGrant(err)
		}
	} else if req.CodeVerifier != "" {
		// A verifier for a code issued without a challenge is a downgrade attempt
		s.rejectCode(ctx, client.ClientID, authCode.UserID, req, "unexpected_code_verifier")
		return nil, invalidGrant(nil)
	}

	issued, err := s.mintTokens(ctx, mintRequest{
		client:         client,
		userID:         authCode.UserID,
		sessionID:      authCode.SessionID,
		browserContext: authCode.BrowserContext,
		scope:          authCode.Scope,
		nonce:          authCode.Nonce,
		authTime:       authCode.AuthTime,
		ipAddress:      req.IPAddress,
		userAgent:      req.UserAgent,
	})
	if err != nil {
		return nil, serverError(err)
	}

	// ATOMIC: exactly one redemption wins. Marking the code used, linking
	// the tokens to it and storing them happen together, and only while the
	// session is live, so a concurrent replay or batch logout always sees
	// the tokens it has to revoke.
	redeemed, err := s.store.RedeemAuthorizationCode(ctx, codeHash, storage.Redemption{
		Access:    issued.access,
		Refresh:   issued.refresh,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		At:        now,
	})
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeUsed) && redeemed != nil:
		return nil, s.handleCodeReplay(ctx, redeemed, client.ClientID, req.IPAddress)
	case errors.Is(err, storage.ErrSessionTerminated):
		// The session was logged out (batch or emergency) after authorization
		s.rejectCode(ctx, client.ClientID, authCode.UserID, req, "session_terminated")
		return nil, invalidGrant(nil)
	case errors.Is(err, storage.ErrTokenExpired), errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return nil, invalidGrant(err)
	case err != nil:
		return nil, serverError(fmt.Errorf("failed to redeem authorization code: %w", err))
	}

	s.Auditor.LogTokenIssued(ctx, authCode.UserID, client.ClientID, req.IPAddress, authCode.Scope)
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, authCode.CodeChallengeMethod)
	}
	instrumentation.AddOAuthFlowAttributes(span, "", authCode.UserID, authCode.Scope)

	return issued.response, nil
}

// rejectCode logs a failed code redemption. Details stay in the logs; the
// caller only learns invalid_grant.
func (s *Server) rejectCode(ctx context.Context, clientID, userID string, req TokenRequest, reason string) {
	s.Logger.Debug("Authorization code validation failed",
		"reason", reason,
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(storage.HashToken(req.Code), tokenIDLogLength))
	s.Auditor.LogAuthFailure(ctx, userID, clientID, req.IPAddress, reason)
}

// handleCodeReplay revokes everything issued from a replayed code.
//
// CRITICAL SECURITY: a second redemption means the code leaked. OAuth 2.1
// section 4.1.2 asks for revocation of the tokens previously issued from it;
// the whole refresh token family is revoked, not only the first link.
func (s *Server) handleCodeReplay(ctx context.Context, authCode *storage.AuthorizationCode, clientID, ipAddress string) error {
	var counts storage.RevocationCounts
	if authCode.IssuedRefreshTokenHash != "" {
		c, err := s.revokeFamily(ctx, authCode.IssuedRefreshTokenHash, "authorization_code_replay")
		if err != nil {
			s.Logger.Error("Failed to revoke token family after code replay", "error", err)
		}
		counts = counts.Add(c)
	}
	if authCode.IssuedAccessTokenHash != "" {
		revoked, err := s.store.RevokeAccessToken(ctx, authCode.IssuedAccessTokenHash, "authorization_code_replay", s.now())
		if err != nil {
			s.Logger.Error("Failed to revoke access token after code replay", "error", err)
		} else if revoked {
			counts.AccessTokens++
		}
	}

	if s.allowSecurityLog(authCode.UserID + ":" + clientID) {
		s.Logger.Error("Authorization code reuse detected - revoking issued tokens",
			"user_id", authCode.UserID,
			"client_id", clientID,
			"access_tokens_revoked", counts.AccessTokens,
			"refresh_tokens_revoked", counts.RefreshTokens,
			"oauth_spec", "OAuth 2.1 Section 4.1.2")
	}
	s.Auditor.LogReplayDetected(ctx, security.EventAuthorizationCodeReuseDetected, authCode.UserID, clientID, ipAddress, map[string]any{
		"action":                 "issued_tokens_revoked",
		"access_tokens_revoked":  counts.AccessTokens,
		"refresh_tokens_revoked": counts.RefreshTokens,
	})
	if s.metrics != nil {
		s.metrics.RecordReplayDetected(ctx, "authorization_code")
		s.metrics.RecordTokensRevoked(ctx, "authorization_code_replay", counts.AccessTokens+counts.RefreshTokens)
	}

	return invalidGrant(ErrReplayDetected)
}

type mintRequest struct {
	client         *storage.Client
	userID         string
	sessionID      string
	browserContext string
	scope          string // scope of the refresh token
	accessScope    string // narrower access token scope; empty means scope
	nonce          string
	authTime       time.Time
	parentHash     string
	rotationCount  int
	ipAddress      string
	userAgent      string
}

type mintedTokens struct {
	response *TokenResponse
	access   *storage.AccessToken
	refresh  *storage.RefreshToken
}

// mintTokens generates an access token, a refresh token and, for openid
// requests, a signed identity token. Nothing is stored.
func (s *Server) mintTokens(ctx context.Context, m mintRequest) (*mintedTokens, error) {
	now := s.now()
	accessToken := generateRandomToken()
	refreshToken := generateRandomToken()
	accessScope := m.accessScope
	if accessScope == "" {
		accessScope = m.scope
	}

	access := &storage.AccessToken{
		TokenHash:      storage.HashToken(accessToken),
		ClientID:       m.client.ClientID,
		UserID:         m.userID,
		Scope:          accessScope,
		SessionID:      m.sessionID,
		BrowserContext: m.browserContext,
		Service:        m.client.Service,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.config.accessTTL()),
	}
	refresh := &storage.RefreshToken{
		TokenHash:       storage.HashToken(refreshToken),
		ClientID:        m.client.ClientID,
		UserID:          m.userID,
		Scope:           m.scope,
		SessionID:       m.sessionID,
		BrowserContext:  m.browserContext,
		Service:         m.client.Service,
		Status:          storage.RefreshTokenActive,
		ParentTokenHash: m.parentHash,
		RotationCount:   m.rotationCount,
		AccessTokenHash: access.TokenHash,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.config.refreshTTL()),
		LastUsedAt:      now,
		IPAddress:       m.ipAddress,
		UserAgent:       m.userAgent,
	}

	response := &TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.config.AccessTokenTTL,
		Scope:        accessScope,
	}

	if hasScope(accessScope, "openid") {
		idToken, err := s.signIDToken(ctx, m, accessToken, now)
		if err != nil {
			return nil, err
		}
		response.IDToken = idToken
	}

	return &mintedTokens{response: response, access: access, refresh: refresh}, nil
}

func (s *Server) signIDToken(ctx context.Context, m mintRequest, accessToken string, now time.Time) (string, error) {
	claims := idTokenClaims{
		Claims: jwt.Claims{
			Issuer:   s.config.Issuer,
			Subject:  m.userID,
			Audience: jwt.Audience{m.client.ClientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.config.accessTTL())),
		},
		Nonce:     m.nonce,
		AtHash:    accessTokenHash(accessToken),
		SessionID: m.sessionID,
	}
	if !m.authTime.IsZero() {
		claims.AuthTime = m.authTime.Unix()
	}

	token, err := s.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordIDTokenSigned(ctx, m.client.ClientID)
	}
	return token, nil
}

// accessTokenHash computes the at_hash claim for RS256: the base64url
// encoding of the left half of the SHA-256 of the access token.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
