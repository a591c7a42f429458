// Package sqlite provides a SQLite implementation of the storage interfaces.
//
// The schema is managed with embedded goose migrations that run on Open.
// Conditional transitions are single UPDATE statements guarded by the
// expected status inside a transaction, and the pool is limited to one
// connection, so every transition is atomic across the goroutines and
// server instances sharing the database file.
//
// Example usage:
//
//	store, err := sqlite.Open(ctx, "/var/lib/ssod/sso.db", sqlite.Options{})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package sqlite

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/storage"
)

const (
	tokenIDLogLength = 8

	defaultCleanupInterval  = 5 * time.Minute
	defaultRevokedRetention = 90 * 24 * time.Hour
	accessTokenRetention    = 24 * time.Hour
	defaultBusyTimeout      = 5 * time.Second
)

// Options tune a Store. Zero values select the defaults.
type Options struct {
	// CleanupInterval is how often expired records are purged.
	// A negative value disables the background cleanup.
	CleanupInterval time.Duration

	// RevokedRetention is how long revoked or expired refresh tokens are kept.
	RevokedRetention time.Duration

	Logger *slog.Logger
}

// Store is a SQLite implementation of all storage interfaces.
type Store struct {
	db *sqlx.DB

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	revokedRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
	logger           *slog.Logger
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.NonceStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies pending
// migrations. Use ":memory:" only in tests; it lives as long as the Store.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, defaultBusyTimeout.Milliseconds())

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers, which SQLite requires anyway,
	// and keeps a ":memory:" database alive for the life of the Store.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RevokedRetention <= 0 {
		opts.RevokedRetention = defaultRevokedRetention
	}
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		db:               db,
		revokedRetention: opts.RevokedRetention,
		stopCleanup:      make(chan struct{}),
		logger:           opts.Logger,
	}

	if opts.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}

	return s, nil
}

// Close stops the cleanup goroutine and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	s.wg.Wait()
	return s.db.Close()
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	count := func(table string) instrumentation.StorageSizeCallback {
		query := "SELECT COUNT(*) FROM " + table
		return func() int64 {
			var n int64
			if err := s.db.Get(&n, query); err != nil {
				s.logger.Debug("Failed to count rows", "table", table, "error", err)
			}
			return n
		}
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
		AccessTokens:  count("access_tokens"),
		RefreshTokens: count("refresh_tokens"),
		Sessions:      count("sessions"),
		Codes:         count("authorization_codes"),
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if _, err := s.Cleanup(context.Background(), time.Now()); err != nil {
				s.logger.Warn("Failed to clean up expired records", "error", err)
			}
		}
	}
}

// Cleanup purges records that can no longer influence a decision and
// returns how many rows were removed. Used codes are kept for a day past
// expiry so that a late replay still finds them.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, done := s.observe(ctx, "cleanup")
	defer func() { done(err) }()

	n := unixNano(now)
	retention := unixNano(now.Add(-accessTokenRetention))
	statements := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM authorization_codes WHERE (used_at = 0 AND expires_at < ?) OR expires_at < ?`, []any{n, retention}},
		{`DELETE FROM nonces WHERE expires_at < ?`, []any{n}},
		{`DELETE FROM access_tokens WHERE expires_at < ?`, []any{retention}},
		{`DELETE FROM refresh_tokens WHERE expires_at < ?`, []any{unixNano(now.Add(-s.revokedRetention))}},
	}

	var cleaned int64
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt.query, stmt.args...)
		if err != nil {
			return cleaned, fmt.Errorf("deleting expired records: %w", err)
		}
		affected, _ := res.RowsAffected()
		cleaned += affected
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
	return cleaned, nil
}

// ============================================================
// Helpers
// ============================================================

// withTx runs fn inside a transaction and commits when it returns nil.
// fn must only use tx: the pool has a single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sqlx.Tx) { _ = tx.Rollback() }

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// stringList stores a []string as a JSON array.
type stringList []string

func (l stringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *stringList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into string list", src)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decoding string list: %w", err)
	}
	if len(out) == 0 {
		out = nil
	}
	*l = out
	return nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "sqlite"),
		))
}

func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := s.startStorageSpan(ctx, operation)
	startTime := time.Now()
	return ctx, func(err error) {
		defer span.End()
		if s.instrumentation == nil {
			return
		}
		result := "success"
		if err != nil && !isExpectedMiss(err) {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		durationMs := float64(time.Since(startTime).Microseconds()) / 1000
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
	}
}

// isExpectedMiss reports errors that are normal outcomes rather than
// backend failures.
func isExpectedMiss(err error) bool {
	for _, target := range []error{
		storage.ErrNotFound,
		storage.ErrClientNotFound,
		storage.ErrAuthorizationCodeNotFound,
		storage.ErrAuthorizationCodeUsed,
		storage.ErrTokenNotFound,
		storage.ErrTokenExpired,
		storage.ErrStatusConflict,
		storage.ErrNonceReplayed,
		storage.ErrJobNotFound,
		storage.ErrKeyNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
