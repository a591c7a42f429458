package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// AuthorizationRequest holds the parameters of an authorization request
// together with the request metadata the audit trail needs.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// MaxAge is the OIDC max_age in seconds; zero means unlimited.
	MaxAge int64

	// Consented is set when the user has explicitly approved the request.
	Consented bool

	// BrowserContext identifies the user agent across requests (a cookie
	// value). User switches are detected per client and browser context.
	BrowserContext string
	IPAddress      string
	UserAgent      string
}

// Identity is the authenticated user, as established by the external
// authentication step.
type Identity struct {
	UserID   string
	AuthTime time.Time
	Admin    bool
}

// AuthorizationResult is a successful authorization.
type AuthorizationResult struct {
	Code         string
	State        string
	RedirectURI  string
	Scope        string
	AutoApproved bool
	SessionID    string
}

// Authorize validates an authorization request and issues an authorization
// code for the authenticated user.
//
// Errors are *Error values. When the user has to log in (or log in again
// because of max_age) the error wraps ErrAuthenticationRequired and carries
// the request in Pending; the same holds for ErrConsentRequired.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, identity *Identity) (_ *AuthorizationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", req.Scope)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}()

	client, redirectURI, err := s.resolveClientRedirect(ctx, req)
	if err != nil {
		return nil, err
	}

	// From here on errors can be delivered to the verified redirect URI
	fail := func(code, description string, cause error) *Error {
		e := newError(code, description, cause)
		e.RedirectURI = redirectURI
		e.State = req.State
		return e
	}

	if req.ResponseType != "code" {
		return nil, fail(ErrorCodeUnsupportedResponseType, "only response_type=code is supported", nil)
	}

	scopes := storage.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !storage.ScopesCover(client.Scopes, scopes) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventScopeEscalationAttempt,
			Severity:  security.SeverityWarning,
			ClientID:  client.ClientID,
			IPAddress: req.IPAddress,
			Details:   map[string]any{"requested": req.Scope},
		})
		return nil, fail(ErrorCodeInvalidScope, "requested scope is not allowed for this client", nil)
	}
	scope := storage.FormatScope(scopes)

	// PKCE is mandatory for public clients (OAuth 2.1)
	if req.CodeChallenge == "" {
		if !client.Confidential || s.config.RequirePKCE {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventPKCERequiredForPublicClient,
				Severity:  security.SeverityWarning,
				ClientID:  client.ClientID,
				IPAddress: req.IPAddress,
			})
			return nil, fail(ErrorCodeInvalidRequest, "code_challenge is required", nil)
		}
	} else if err := s.validateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, fail(ErrorCodeInvalidRequest, err.Error(), nil)
	}

	now := s.now()
	if identity == nil || identity.UserID == "" ||
		(req.MaxAge > 0 && now.Sub(identity.AuthTime) > time.Duration(req.MaxAge)*time.Second) {
		e := fail(ErrorCodeLoginRequired, "user authentication is required", ErrAuthenticationRequired)
		pending := req
		e.Pending = &pending
		return nil, e
	}
	instrumentation.AddOAuthFlowAttributes(span, "", identity.UserID, "")

	// Auto-approval: trusted clients, or a live session already covering the scope
	existing, err := s.store.GetSession(ctx, identity.UserID, client.ClientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fail(ErrorCodeServerError, "failed to load session", err)
	}
	autoApproved := client.Trusted ||
		(existing != nil && existing.Live() && storage.ScopesCover(existing.Scopes, scopes))
	if !autoApproved && !req.Consented {
		e := fail(ErrorCodeConsentRequired, "the user has not approved the requested scope", ErrConsentRequired)
		pending := req
		e.Pending = &pending
		return nil, e
	}

	// Single use of nonce and PKCE challenge within the code lifetime
	for _, once := range []struct{ kind, value string }{
		{"nonce", req.Nonce},
		{"code_challenge", req.CodeChallenge},
	} {
		err := s.consumeOnce(ctx, once.kind, once.value, client.ClientID, identity.UserID, req.IPAddress)
		if errors.Is(err, storage.ErrNonceReplayed) {
			return nil, fail(ErrorCodeInvalidRequest, once.kind+" has already been used", err)
		}
		if err != nil {
			return nil, fail(ErrorCodeServerError, "failed to record "+once.kind, err)
		}
	}

	s.recordUserSwitch(ctx, client.ClientID, req.BrowserContext, identity, req.IPAddress, req.UserAgent)

	session, err := s.store.UpsertSession(ctx, storage.SessionGrant{
		UserID:    identity.UserID,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		Admin:     identity.Admin,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		At:        now,
	})
	if err != nil {
		return nil, fail(ErrorCodeServerError, "failed to record session", err)
	}

	code := generateRandomToken()
	if err := s.store.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		CodeHash:            storage.HashToken(code),
		ClientID:            client.ClientID,
		UserID:              identity.UserID,
		SessionID:           session.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            identity.AuthTime,
		BrowserContext:      req.BrowserContext,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.codeTTL()),
	}); err != nil {
		return nil, fail(ErrorCodeServerError, "failed to save authorization code", err)
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    identity.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.IPAddress,
		Details: map[string]any{
			"scope":         scope,
			"auto_approved": autoApproved,
			"pkce_method":   req.CodeChallengeMethod,
		},
	})
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, client.ClientID, autoApproved)
	}

	return &AuthorizationResult{
		Code:         code,
		State:        req.State,
		RedirectURI:  redirectURI,
		Scope:        scope,
		AutoApproved: autoApproved,
		SessionID:    session.ID,
	}, nil
}

// resolveClientRedirect checks the client and the redirect URI. Its errors
// are never redirectable: the redirect URI is not trusted yet.
func (s *Server) resolveClientRedirect(ctx context.Context, req AuthorizationRequest) (*storage.Client, string, error) {
	if req.ClientID == "" {
		return nil, "", newError(ErrorCodeInvalidRequest, "client_id is required", nil)
	}
	client, err := s.clients.Get(req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure(ctx, "", req.ClientID, req.IPAddress, ErrorCodeInvalidClient)
		return nil, "", newError(ErrorCodeInvalidClient, "unknown client", err)
	}
	if !client.Active {
		s.Auditor.LogAuthFailure(ctx, "", req.ClientID, req.IPAddress, "client_deactivated")
		return nil, "", newError(ErrorCodeUnauthorizedClient, "client is deactivated", registry.ErrClientInactive)
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		// RFC 6749 section 3.1.2.3: optional with a single registered URI
		redirectURI = client.RedirectURIs[0]
	}
	if redirectURI == "" || !registry.RedirectURIAllowed(client, redirectURI) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventInvalidRedirect,
			Severity:  security.SeverityWarning,
			ClientID:  client.ClientID,
			IPAddress: req.IPAddress,
			Details:   map[string]any{"redirect_uri": util.SafeTruncate(req.RedirectURI, 256)},
		})
		return nil, "", newError(ErrorCodeInvalidRequest, "redirect_uri does not match a registered redirect URI", nil)
	}
	return client, redirectURI, nil
}

// consumeOnce records a single-use value in the nonce store. Empty values
// are skipped.
func (s *Server) consumeOnce(ctx context.Context, kind, value, clientID, userID, ipAddress string) error {
	if value == "" {
		return nil
	}
	now := s.now()
	err := s.nonces.ConsumeNonce(ctx, &storage.Nonce{
		ValueHash: storage.HashToken(kind + ":" + clientID + ":" + value),
		ClientID:  clientID,
		UserID:    userID,
		ExpiresAt: now.Add(s.config.codeTTL()),
		UsedAt:    now,
	})
	if errors.Is(err, storage.ErrNonceReplayed) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventNonceReplayed,
			Severity:  security.SeverityWarning,
			UserID:    userID,
			ClientID:  clientID,
			IPAddress: ipAddress,
			Details:   map[string]any{"kind": kind},
		})
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}
	return nil
}
