// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/storage"
)

const (
	// tokenIDLogLength is the number of hash characters included in log lines
	tokenIDLogLength = 8

	// defaultRevokedRetention is how long revoked and expired refresh tokens
	// are kept for family walks and forensics
	defaultRevokedRetention = 90 * 24 * time.Hour

	// accessTokenRetention is how long expired access tokens are kept so that
	// introspection can still answer "revoked" rather than "unknown"
	accessTokenRetention = 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
// Every conditional transition runs under the write lock, which makes it
// atomic for all callers sharing the Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	children      map[string][]string // parent hash -> child hashes
	sessions      map[string]*storage.Session
	sessionIndex  map[string]string // user + "\x00" + client -> session ID
	userSwitches  []*storage.UserSwitchAuditEntry
	signingKeys   map[string]*storage.SigningKey
	nonces        map[string]*storage.Nonce
	jobs          map[string]*storage.BatchJob
	affectedUsers map[string]map[string]*storage.AffectedUserRecord // job ID -> user ID -> record

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64
	sessionsCount      atomic.Int64
	codesCount         atomic.Int64

	// Cleanup
	cleanupInterval  time.Duration
	revokedRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
	logger           *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.Store      = (*Store)(nil)
	_ storage.NonceStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		codes:            make(map[string]*storage.AuthorizationCode),
		accessTokens:     make(map[string]*storage.AccessToken),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		children:         make(map[string][]string),
		sessions:         make(map[string]*storage.Session),
		sessionIndex:     make(map[string]string),
		signingKeys:      make(map[string]*storage.SigningKey),
		nonces:           make(map[string]*storage.Nonce),
		jobs:             make(map[string]*storage.BatchJob),
		affectedUsers:    make(map[string]map[string]*storage.AffectedUserRecord),
		cleanupInterval:  cleanupInterval,
		revokedRetention: defaultRevokedRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetRevokedRetention sets how long revoked or expired refresh tokens are kept.
func (s *Store) SetRevokedRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.revokedRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.sessionsCount.Store(int64(len(s.sessions)))
	s.codesCount.Store(int64(len(s.codes)))
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		AccessTokens:  s.accessTokensCount.Load,
		RefreshTokens: s.refreshTokensCount.Load,
		Sessions:      s.sessionsCount.Load,
		Codes:         s.codesCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the background cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup removes records that no longer matter for correctness.
// Nothing here is required for the token state machine, which checks
// expiry lazily; it only bounds memory.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for hash, code := range s.codes {
		// Used codes are kept a while longer so that a late replay still
		// finds them and triggers revocation.
		if now.After(code.ExpiresAt) && (!code.Used() || now.After(code.ExpiresAt.Add(accessTokenRetention))) {
			delete(s.codes, hash)
			s.codesCount.Add(-1)
			cleaned++
		}
	}

	for hash, n := range s.nonces {
		if now.After(n.ExpiresAt) {
			delete(s.nonces, hash)
			cleaned++
		}
	}

	for hash, at := range s.accessTokens {
		if now.After(at.ExpiresAt.Add(accessTokenRetention)) {
			delete(s.accessTokens, hash)
			s.accessTokensCount.Add(-1)
			cleaned++
		}
	}

	for hash, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt.Add(s.revokedRetention)) {
			delete(s.refreshTokens, hash)
			delete(s.children, hash)
			s.refreshTokensCount.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation. Without a tracer it
// returns a no-op span so callers can always End() it without touching the
// caller's span.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// observe wraps the span and metric bookkeeping shared by every operation.
// Usage:
//
//	ctx, done := s.observe(ctx, "get_client")
//	defer func() { done(err) }()
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := s.startStorageSpan(ctx, operation)
	startTime := time.Now()
	return ctx, func(err error) {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
		span.End()
	}
}
