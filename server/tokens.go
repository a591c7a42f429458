package server

import (
	"context"
	"errors"

	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// Token type hints (RFC 7009 section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// ValidateAccessToken returns the stored record of a live access token.
// Unknown, expired and revoked tokens fail with ErrInvalidToken.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.AccessToken, error) {
	if accessToken == "" {
		return nil, newError(ErrorCodeInvalidToken, "access token is required", ErrInvalidToken)
	}
	token, err := s.store.GetAccessToken(ctx, storage.HashToken(accessToken))
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, newError(ErrorCodeInvalidToken, "access token is invalid", ErrInvalidToken)
		}
		return nil, serverError(err)
	}
	if !token.RevokedAt.IsZero() || security.IsExpiredAt(s.now(), token.ExpiresAt, s.config.clockSkew()) {
		return nil, newError(ErrorCodeInvalidToken, "access token is invalid", ErrInvalidToken)
	}
	return token, nil
}

// RevokeRequest is an RFC 7009 revocation request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	IPAddress     string
}

// RevokeToken revokes an access or refresh token (RFC 7009). Revoking a
// refresh token revokes its whole family. Unknown tokens and tokens of other
// clients are ignored: the endpoint answers the same for all of them.
func (s *Server) RevokeToken(ctx context.Context, req RevokeRequest) error {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IPAddress)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return newError(ErrorCodeInvalidRequest, "token is required", nil)
	}
	hash := storage.HashToken(req.Token)

	// The hint only decides which lookup runs first (RFC 7009 section 2.1)
	lookups := []func() (bool, error){
		func() (bool, error) { return s.revokeRefreshByHash(ctx, client, hash, req.IPAddress) },
		func() (bool, error) { return s.revokeAccessByHash(ctx, client, hash, req.IPAddress) },
	}
	if req.TokenTypeHint != TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		found, err := lookup()
		if err != nil {
			return serverError(err)
		}
		if found {
			return nil
		}
	}
	return nil
}

func (s *Server) revokeAccessByHash(ctx context.Context, client *storage.Client, hash, ipAddress string) (bool, error) {
	token, err := s.store.GetAccessToken(ctx, hash)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if token.ClientID != client.ClientID {
		s.Logger.Warn("Client attempted to revoke a token of another client",
			"client_id", client.ClientID)
		return true, nil
	}
	revoked, err := s.store.RevokeAccessToken(ctx, hash, "revoked_by_client", s.now())
	if err != nil {
		return true, err
	}
	if revoked {
		s.Auditor.LogTokenRevoked(ctx, token.UserID, client.ClientID, ipAddress, TokenTypeHintAccessToken)
		if s.metrics != nil {
			s.metrics.RecordTokensRevoked(ctx, "revoked_by_client", 1)
		}
	}
	return true, nil
}

func (s *Server) revokeRefreshByHash(ctx context.Context, client *storage.Client, hash, ipAddress string) (bool, error) {
	token, err := s.store.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if token.ClientID != client.ClientID {
		s.Logger.Warn("Client attempted to revoke a token of another client",
			"client_id", client.ClientID)
		return true, nil
	}
	counts, err := s.revokeFamily(ctx, hash, "revoked_by_client")
	if err != nil {
		return true, err
	}
	if counts.AccessTokens+counts.RefreshTokens > 0 {
		s.Auditor.LogTokenRevoked(ctx, token.UserID, client.ClientID, ipAddress, TokenTypeHintRefreshToken)
		if s.metrics != nil {
			s.metrics.RecordTokensRevoked(ctx, "revoked_by_client", counts.AccessTokens+counts.RefreshTokens)
		}
	}
	return true, nil
}

// IntrospectionResponse is an RFC 7662 introspection response. Inactive
// tokens carry only Active=false.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// Introspect reports the state of a token to an authenticated client.
// Only confidential clients may introspect.
func (s *Server) Introspect(ctx context.Context, req RevokeRequest) (*IntrospectionResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IPAddress)
	if err != nil {
		return nil, err
	}
	if !client.Confidential {
		return nil, newError(ErrorCodeUnauthorizedClient, "introspection requires a confidential client", nil)
	}
	if req.Token == "" {
		return nil, newError(ErrorCodeInvalidRequest, "token is required", nil)
	}

	hash := storage.HashToken(req.Token)
	now := s.now()
	skew := s.config.clockSkew()

	access, err := s.store.GetAccessToken(ctx, hash)
	switch {
	case err == nil:
		if !access.RevokedAt.IsZero() || security.IsExpiredAt(now, access.ExpiresAt, skew) {
			return &IntrospectionResponse{}, nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     access.Scope,
			ClientID:  access.ClientID,
			Subject:   access.UserID,
			TokenType: TokenTypeBearer,
			ExpiresAt: access.ExpiresAt.Unix(),
			IssuedAt:  access.IssuedAt.Unix(),
			Issuer:    s.config.Issuer,
			SessionID: access.SessionID,
		}, nil
	case !errors.Is(err, storage.ErrTokenNotFound):
		return nil, serverError(err)
	}

	refresh, err := s.store.GetRefreshToken(ctx, hash)
	switch {
	case err == nil:
		// A rotating token is still redeemable inside its grace window, but
		// it no longer represents the current grant
		if refresh.Status != storage.RefreshTokenActive || security.IsExpiredAt(now, refresh.ExpiresAt, skew) {
			return &IntrospectionResponse{}, nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     refresh.Scope,
			ClientID:  refresh.ClientID,
			Subject:   refresh.UserID,
			TokenType: TokenTypeHintRefreshToken,
			ExpiresAt: refresh.ExpiresAt.Unix(),
			IssuedAt:  refresh.IssuedAt.Unix(),
			Issuer:    s.config.Issuer,
			SessionID: refresh.SessionID,
		}, nil
	case errors.Is(err, storage.ErrTokenNotFound):
		return &IntrospectionResponse{}, nil
	default:
		return nil, serverError(err)
	}
}

// UserInfo returns the OpenID Connect claims of the user an access token
// was issued to, filtered by the token's scope.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	token, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !hasScope(token.Scope, "openid") {
		return nil, newError(ErrorCodeInsufficientScope, "the openid scope is required", nil)
	}

	claims := map[string]any{"sub": token.UserID}
	if s.directory == nil {
		return claims, nil
	}

	profile, err := s.directory.LookupUser(ctx, token.UserID)
	if err != nil {
		return nil, serverError(err)
	}
	if hasScope(token.Scope, "profile") {
		if profile.Name != "" {
			claims["name"] = profile.Name
		}
		if profile.PreferredUsername != "" {
			claims["preferred_username"] = profile.PreferredUsername
		}
	}
	if hasScope(token.Scope, "email") && profile.Email != "" {
		claims["email"] = profile.Email
		claims["email_verified"] = profile.EmailVerified
	}
	if hasScope(token.Scope, "groups") && len(profile.Groups) > 0 {
		claims["groups"] = profile.Groups
	}
	return claims, nil
}
