package server

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/keys"
	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// tokenIDLogLength is how much of a token hash ends up in logs
const tokenIDLogLength = 8

// UserProfile is the identity claim set of a user.
type UserProfile struct {
	Subject           string
	Name              string
	PreferredUsername string
	Email             string
	EmailVerified     bool
	Groups            []string
	Admin             bool
}

// UserDirectory is the external user store: the core never authenticates
// users itself, it only looks them up.
type UserDirectory interface {
	// LookupUser returns the profile of a user.
	LookupUser(ctx context.Context, userID string) (*UserProfile, error)

	// GroupMembers returns the IDs of the members of a group.
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// Server implements the token lifecycle. It is safe for concurrent use; all
// mutable state lives in the store.
type Server struct {
	store     storage.Store
	nonces    storage.NonceStore
	clients   *registry.Registry
	keys      *keys.Manager
	config    Config
	directory UserDirectory

	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger

	riskPolicy RiskPolicy
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a Server. The configuration is copied; later changes to the
// caller's value have no effect.
func New(
	store storage.Store,
	nonces storage.NonceStore,
	clients *registry.Registry,
	signer *keys.Manager,
	config Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("nonce store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client registry is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("signing key manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	applyTimeDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	logSecurityWarnings(&config, logger)

	return &Server{
		store:      store,
		nonces:     nonces,
		clients:    clients,
		keys:       signer,
		config:     config,
		Logger:     logger,
		riskPolicy: DefaultRiskPolicy,
		tracer:     noop.NewTracerProvider().Tracer(""),
		now:        time.Now,
	}, nil
}

// Config returns a copy of the configuration.
func (s *Server) Config() Config {
	return s.config
}

// Clients returns the client registry the server validates against.
func (s *Server) Clients() *registry.Registry {
	return s.clients
}

// Keys returns the signing key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// SetEncryptor sets the encryptor for refresh token replay envelopes
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc
	if !enc.IsEnabled() {
		s.Logger.Warn("SECURITY WARNING: refresh token replay envelopes are stored unencrypted",
			"risk", "child tokens readable from storage during the grace window",
			"recommendation", "configure an encryption key")
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetUserDirectory sets the user directory used by UserInfo
func (s *Server) SetUserDirectory(d UserDirectory) {
	s.directory = d
}

// SetRiskPolicy replaces DefaultRiskPolicy
func (s *Server) SetRiskPolicy(p RiskPolicy) {
	if p != nil {
		s.riskPolicy = p
	}
}

// SetInstrumentation enables metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock replaces the time source. Tests use it to move past grace windows.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// allowSecurityLog reports whether a security event for key may be logged
// at full volume.
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string with 256 bits of entropy.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// authenticateClient verifies client credentials at the token, revocation
// and introspection endpoints.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, ipAddress string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newError(ErrorCodeInvalidClient, "client authentication failed", nil)
	}
	client, err := s.clients.Authenticate(clientID, clientSecret)
	if err != nil {
		s.Auditor.LogAuthFailure(ctx, "", clientID, ipAddress, "client_authentication_failed")
		return nil, newError(ErrorCodeInvalidClient, "client authentication failed", err)
	}
	return client, nil
}

// AuthenticateClient is the exported form of the token endpoint's client
// authentication, for handlers that need the client before dispatching.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, ipAddress string) (*storage.Client, error) {
	return s.authenticateClient(ctx, clientID, clientSecret, ipAddress)
}

func hasScope(scope, want string) bool {
	return slices.Contains(storage.ParseScope(scope), want)
}
