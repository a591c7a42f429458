package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Access tokens
// ============================================================

type accessTokenRow struct {
	TokenHash        string `db:"token_hash"`
	ClientID         string `db:"client_id"`
	UserID           string `db:"user_id"`
	Scope            string `db:"scope"`
	SessionID        string `db:"session_id"`
	BrowserContext   string `db:"browser_context"`
	Service          bool   `db:"service"`
	IssuedAt         int64  `db:"issued_at"`
	ExpiresAt        int64  `db:"expires_at"`
	RevokedAt        int64  `db:"revoked_at"`
	RevocationReason string `db:"revocation_reason"`
}

func newAccessTokenRow(t *storage.AccessToken) accessTokenRow {
	return accessTokenRow{
		TokenHash:        t.TokenHash,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		Scope:            t.Scope,
		SessionID:        t.SessionID,
		BrowserContext:   t.BrowserContext,
		Service:          t.Service,
		IssuedAt:         unixNano(t.IssuedAt),
		ExpiresAt:        unixNano(t.ExpiresAt),
		RevokedAt:        unixNano(t.RevokedAt),
		RevocationReason: t.RevocationReason,
	}
}

func (r accessTokenRow) toAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		TokenHash:        r.TokenHash,
		ClientID:         r.ClientID,
		UserID:           r.UserID,
		Scope:            r.Scope,
		SessionID:        r.SessionID,
		BrowserContext:   r.BrowserContext,
		Service:          r.Service,
		IssuedAt:         fromUnixNano(r.IssuedAt),
		ExpiresAt:        fromUnixNano(r.ExpiresAt),
		RevokedAt:        fromUnixNano(r.RevokedAt),
		RevocationReason: r.RevocationReason,
	}
}

const insertAccessToken = `
	INSERT OR REPLACE INTO access_tokens (token_hash, client_id, user_id, scope, session_id,
		browser_context, service, issued_at, expires_at, revoked_at, revocation_reason)
	VALUES (:token_hash, :client_id, :user_id, :scope, :session_id,
		:browser_context, :service, :issued_at, :expires_at, :revoked_at, :revocation_reason)`

// SaveAccessToken stores an access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.observe(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("access token hash cannot be empty")
	}
	if _, err = s.db.NamedExecContext(ctx, insertAccessToken, newAccessTokenRow(token)); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}
	return nil
}

// GetAccessToken returns the stored access token
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, err error) {
	ctx, done := s.observe(ctx, "get_access_token")
	defer func() { done(err) }()

	var row accessTokenRow
	err = s.db.GetContext(ctx, &row, `SELECT * FROM access_tokens WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying access token: %w", err)
	}
	return row.toAccessToken(), nil
}

// RevokeAccessToken marks an access token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash, reason string, at time.Time) (_ bool, err error) {
	ctx, done := s.observe(ctx, "revoke_access_token")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE access_tokens SET revoked_at = ?, revocation_reason = ?
		WHERE token_hash = ? AND revoked_at = 0`, unixNano(at), reason, tokenHash)
	if err != nil {
		return false, fmt.Errorf("revoking access token: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ============================================================
// Refresh tokens
// ============================================================

type refreshTokenRow struct {
	TokenHash        string `db:"token_hash"`
	ClientID         string `db:"client_id"`
	UserID           string `db:"user_id"`
	Scope            string `db:"scope"`
	SessionID        string `db:"session_id"`
	BrowserContext   string `db:"browser_context"`
	Service          bool   `db:"service"`
	Status           string `db:"status"`
	ParentTokenHash  string `db:"parent_token_hash"`
	ChildTokenHash   string `db:"child_token_hash"`
	RotationCount    int    `db:"rotation_count"`
	GraceExpiresAt   int64  `db:"grace_expires_at"`
	AccessTokenHash  string `db:"access_token_hash"`
	ReplayEnvelope   string `db:"replay_envelope"`
	IssuedAt         int64  `db:"issued_at"`
	ExpiresAt        int64  `db:"expires_at"`
	LastUsedAt       int64  `db:"last_used_at"`
	IPAddress        string `db:"ip_address"`
	UserAgent        string `db:"user_agent"`
	RevokedAt        int64  `db:"revoked_at"`
	RevocationReason string `db:"revocation_reason"`
}

func newRefreshTokenRow(t *storage.RefreshToken) refreshTokenRow {
	return refreshTokenRow{
		TokenHash:        t.TokenHash,
		ClientID:         t.ClientID,
		UserID:           t.UserID,
		Scope:            t.Scope,
		SessionID:        t.SessionID,
		BrowserContext:   t.BrowserContext,
		Service:          t.Service,
		Status:           string(t.Status),
		ParentTokenHash:  t.ParentTokenHash,
		ChildTokenHash:   t.ChildTokenHash,
		RotationCount:    t.RotationCount,
		GraceExpiresAt:   unixNano(t.GraceExpiresAt),
		AccessTokenHash:  t.AccessTokenHash,
		ReplayEnvelope:   t.ReplayEnvelope,
		IssuedAt:         unixNano(t.IssuedAt),
		ExpiresAt:        unixNano(t.ExpiresAt),
		LastUsedAt:       unixNano(t.LastUsedAt),
		IPAddress:        t.IPAddress,
		UserAgent:        t.UserAgent,
		RevokedAt:        unixNano(t.RevokedAt),
		RevocationReason: t.RevocationReason,
	}
}

func (r refreshTokenRow) toRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:        r.TokenHash,
		ClientID:         r.ClientID,
		UserID:           r.UserID,
		Scope:            r.Scope,
		SessionID:        r.SessionID,
		BrowserContext:   r.BrowserContext,
		Service:          r.Service,
		Status:           storage.RefreshTokenStatus(r.Status),
		ParentTokenHash:  r.ParentTokenHash,
		ChildTokenHash:   r.ChildTokenHash,
		RotationCount:    r.RotationCount,
		GraceExpiresAt:   fromUnixNano(r.GraceExpiresAt),
		AccessTokenHash:  r.AccessTokenHash,
		ReplayEnvelope:   r.ReplayEnvelope,
		IssuedAt:         fromUnixNano(r.IssuedAt),
		ExpiresAt:        fromUnixNano(r.ExpiresAt),
		LastUsedAt:       fromUnixNano(r.LastUsedAt),
		IPAddress:        r.IPAddress,
		UserAgent:        r.UserAgent,
		RevokedAt:        fromUnixNano(r.RevokedAt),
		RevocationReason: r.RevocationReason,
	}
}

const insertRefreshToken = `
	INSERT OR REPLACE INTO refresh_tokens (token_hash, client_id, user_id, scope, session_id,
		browser_context, service, status, parent_token_hash, child_token_hash, rotation_count,
		grace_expires_at, access_token_hash, replay_envelope, issued_at, expires_at, last_used_at,
		ip_address, user_agent, revoked_at, revocation_reason)
	VALUES (:token_hash, :client_id, :user_id, :scope, :session_id,
		:browser_context, :service, :status, :parent_token_hash, :child_token_hash, :rotation_count,
		:grace_expires_at, :access_token_hash, :replay_envelope, :issued_at, :expires_at, :last_used_at,
		:ip_address, :user_agent, :revoked_at, :revocation_reason)`

// SaveRefreshToken stores a refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.observe(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("refresh token hash cannot be empty")
	}
	if _, err = s.db.NamedExecContext(ctx, insertRefreshToken, newRefreshTokenRow(token)); err != nil {
		return fmt.Errorf("saving refresh token: %w", err)
	}
	return nil
}

func getRefreshToken(ctx context.Context, q sqlx.QueryerContext, tokenHash string) (*storage.RefreshToken, error) {
	var row refreshTokenRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	return row.toRefreshToken(), nil
}

// GetRefreshToken returns the stored refresh token
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "get_refresh_token")
	defer func() { done(err) }()

	return getRefreshToken(ctx, s.db, tokenHash)
}

// ListRefreshTokensByParent returns the direct children of a refresh token
func (s *Store) ListRefreshTokensByParent(ctx context.Context, parentHash string) (_ []*storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "list_refresh_tokens_by_parent")
	defer func() { done(err) }()

	if parentHash == "" {
		return nil, nil
	}

	var rows []refreshTokenRow
	if err = s.db.SelectContext(ctx, &rows,
		`SELECT * FROM refresh_tokens WHERE parent_token_hash = ? ORDER BY issued_at`, parentHash); err != nil {
		return nil, fmt.Errorf("listing child refresh tokens: %w", err)
	}
	out := make([]*storage.RefreshToken, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRefreshToken())
	}
	return out, nil
}

// RotateRefreshToken performs the atomic active -> rotating transition and
// stores the child pair in the same transaction. The transaction rolls back
// when the parent's session is no longer live.
func (s *Store) RotateRefreshToken(ctx context.Context, parentHash string, rotation storage.Rotation) (err error) {
	ctx, done := s.observe(ctx, "rotate_refresh_token")
	defer func() { done(err) }()

	if rotation.Child == nil || rotation.ChildAccess == nil {
		return fmt.Errorf("rotation requires a child refresh token and access token")
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		// ATOMIC check-and-set: only one redemption can move the token out of active
		res, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens SET
				status = ?,
				grace_expires_at = ?,
				child_token_hash = ?,
				replay_envelope = ?,
				last_used_at = ?,
				ip_address = CASE WHEN ? = '' THEN ip_address ELSE ? END,
				user_agent = CASE WHEN ? = '' THEN user_agent ELSE ? END
			WHERE token_hash = ? AND status = ?`,
			string(storage.RefreshTokenRotating),
			unixNano(rotation.GraceExpiresAt),
			rotation.Child.TokenHash,
			rotation.ReplayEnvelope,
			unixNano(rotation.At),
			rotation.IPAddress, rotation.IPAddress,
			rotation.UserAgent, rotation.UserAgent,
			parentHash, string(storage.RefreshTokenActive))
		if err != nil {
			return fmt.Errorf("rotating refresh token: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			current, err := getRefreshToken(ctx, tx, parentHash)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: refresh token is %s", storage.ErrStatusConflict, current.Status)
		}

		parent, err := getRefreshToken(ctx, tx, parentHash)
		if err != nil {
			return err
		}
		if err := touchLiveSession(ctx, tx, parent.SessionID, parent.UserID, parent.ClientID, parent.IssuedAt,
			rotation.IPAddress, rotation.UserAgent, rotation.At); err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, insertRefreshToken, newRefreshTokenRow(rotation.Child)); err != nil {
			return fmt.Errorf("inserting child refresh token: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, insertAccessToken, newAccessTokenRow(rotation.ChildAccess)); err != nil {
			return fmt.Errorf("inserting child access token: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Rotated refresh token",
		"parent_prefix", util.SafeTruncate(parentHash, tokenIDLogLength),
		"child_prefix", util.SafeTruncate(rotation.Child.TokenHash, tokenIDLogLength),
		"rotation_count", rotation.Child.RotationCount)
	return nil
}

// TransitionRefreshToken performs a conditional status change
func (s *Store) TransitionRefreshToken(ctx context.Context, tokenHash string, from []storage.RefreshTokenStatus, to storage.RefreshTokenStatus, reason string, at time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.observe(ctx, "transition_refresh_token")
	defer func() { done(err) }()

	var updated *storage.RefreshToken
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		args := []any{string(to)}
		set := "status = ?"
		switch to {
		case storage.RefreshTokenRevoked:
			set += ", revoked_at = ?, revocation_reason = ?, replay_envelope = ''"
			args = append(args, unixNano(at), reason)
		case storage.RefreshTokenExpired:
			set += ", replay_envelope = ''"
		}

		statuses := make([]string, len(from))
		for i, st := range from {
			statuses[i] = string(st)
		}
		args = append(args, tokenHash, statuses)

		query, qargs, err := sqlx.In(`UPDATE refresh_tokens SET `+set+` WHERE token_hash = ? AND status IN (?)`, args...)
		if err != nil {
			return fmt.Errorf("building transition query: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), qargs...)
		if err != nil {
			return fmt.Errorf("transitioning refresh token: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}

		current, err := getRefreshToken(ctx, tx, tokenHash)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: refresh token is %s", storage.ErrStatusConflict, current.Status)
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// tokenWhere renders the shared part of the bulk revocation predicate.
func tokenWhere(filter storage.TokenFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if len(filter.SessionIDs) > 0 {
		clauses = append(clauses, "session_id IN (?)")
		args = append(args, filter.SessionIDs)
	}
	if filter.BrowserContext != "" {
		clauses = append(clauses, "browser_context = ?")
		args = append(args, filter.BrowserContext)
	}
	if filter.ExcludeServiceTokens {
		clauses = append(clauses, "service = 0")
	}
	if !filter.IssuedBefore.IsZero() {
		clauses = append(clauses, "issued_at < ?")
		args = append(args, unixNano(filter.IssuedBefore))
	}
	if !filter.IssuedAfter.IsZero() {
		clauses = append(clauses, "issued_at >= ?")
		args = append(args, unixNano(filter.IssuedAfter))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

const (
	liveAccessWhere    = `revoked_at = 0 AND expires_at > ?`
	liveRefreshWhere   = `status IN ('active', 'rotating') AND expires_at > ?`
	revokeAccessQuery  = `UPDATE access_tokens SET revoked_at = ?, revocation_reason = ? WHERE ` + liveAccessWhere
	revokeRefreshQuery = `UPDATE refresh_tokens SET status = 'revoked', revoked_at = ?, revocation_reason = ?, replay_envelope = '' WHERE ` + liveRefreshWhere
	countAccessQuery   = `SELECT COUNT(*) FROM access_tokens WHERE ` + liveAccessWhere
	countRefreshQuery  = `SELECT COUNT(*) FROM refresh_tokens WHERE ` + liveRefreshWhere
)

// RevokeTokens revokes every live token matching the filter
func (s *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter, reason string, at time.Time) (_ storage.RevocationCounts, err error) {
	ctx, done := s.observe(ctx, "revoke_tokens")
	defer func() { done(err) }()

	where, whereArgs := tokenWhere(filter)
	n := unixNano(at)

	var counts storage.RevocationCounts
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		access, err := execIn(ctx, tx, revokeAccessQuery+where, append([]any{n, reason, n}, whereArgs...))
		if err != nil {
			return fmt.Errorf("revoking access tokens: %w", err)
		}
		refresh, err := execIn(ctx, tx, revokeRefreshQuery+where, append([]any{n, reason, n}, whereArgs...))
		if err != nil {
			return fmt.Errorf("revoking refresh tokens: %w", err)
		}
		counts = storage.RevocationCounts{AccessTokens: int(access), RefreshTokens: int(refresh)}
		return nil
	})
	if err != nil {
		return storage.RevocationCounts{}, err
	}
	return counts, nil
}

// CountTokens counts what RevokeTokens would revoke
func (s *Store) CountTokens(ctx context.Context, filter storage.TokenFilter, at time.Time) (_ storage.RevocationCounts, err error) {
	ctx, done := s.observe(ctx, "count_tokens")
	defer func() { done(err) }()

	where, whereArgs := tokenWhere(filter)
	n := unixNano(at)

	var counts storage.RevocationCounts
	if counts.AccessTokens, err = countIn(ctx, s.db, countAccessQuery+where, append([]any{n}, whereArgs...)); err != nil {
		return counts, fmt.Errorf("counting access tokens: %w", err)
	}
	if counts.RefreshTokens, err = countIn(ctx, s.db, countRefreshQuery+where, append([]any{n}, whereArgs...)); err != nil {
		return counts, fmt.Errorf("counting refresh tokens: %w", err)
	}
	return counts, nil
}

func execIn(ctx context.Context, tx *sqlx.Tx, query string, args []any) (int64, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}

func countIn(ctx context.Context, db *sqlx.DB, query string, args []any) (int, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return n, nil
}
