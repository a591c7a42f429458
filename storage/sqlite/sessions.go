package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Sessions
// ============================================================

type sessionRow struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	ClientID     string     `db:"client_id"`
	Scopes       stringList `db:"scopes"`
	Admin        bool       `db:"admin"`
	IPAddress    string     `db:"ip_address"`
	UserAgent    string     `db:"user_agent"`
	CreatedAt    int64      `db:"created_at"`
	LastUsedAt   int64      `db:"last_used_at"`
	TerminatedAt int64      `db:"terminated_at"`
}

func newSessionRow(sess *storage.Session) sessionRow {
	return sessionRow{
		ID:           sess.ID,
		UserID:       sess.UserID,
		ClientID:     sess.ClientID,
		Scopes:       sess.Scopes,
		Admin:        sess.Admin,
		IPAddress:    sess.IPAddress,
		UserAgent:    sess.UserAgent,
		CreatedAt:    unixNano(sess.CreatedAt),
		LastUsedAt:   unixNano(sess.LastUsedAt),
		TerminatedAt: unixNano(sess.TerminatedAt),
	}
}

func (r sessionRow) toSession() *storage.Session {
	return &storage.Session{
		ID:           r.ID,
		UserID:       r.UserID,
		ClientID:     r.ClientID,
		Scopes:       r.Scopes,
		Admin:        r.Admin,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		CreatedAt:    fromUnixNano(r.CreatedAt),
		LastUsedAt:   fromUnixNano(r.LastUsedAt),
		TerminatedAt: fromUnixNano(r.TerminatedAt),
	}
}

func getSession(ctx context.Context, q sqlx.QueryerContext, userID, clientID string) (*storage.Session, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM sessions WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return row.toSession(), nil
}

// UpsertSession creates or updates the session of a user and client
func (s *Store) UpsertSession(ctx context.Context, grant storage.SessionGrant) (_ *storage.Session, err error) {
	ctx, done := s.observe(ctx, "upsert_session")
	defer func() { done(err) }()

	if grant.UserID == "" || grant.ClientID == "" {
		return nil, fmt.Errorf("session requires user and client")
	}

	var result *storage.Session
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		sess, err := getSession(ctx, tx, grant.UserID, grant.ClientID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			sess = &storage.Session{
				ID:         uuid.NewString(),
				UserID:     grant.UserID,
				ClientID:   grant.ClientID,
				Scopes:     storage.MergeScopes(nil, grant.Scopes),
				Admin:      grant.Admin,
				IPAddress:  grant.IPAddress,
				UserAgent:  grant.UserAgent,
				CreatedAt:  grant.At,
				LastUsedAt: grant.At,
			}
		case err != nil:
			return err
		default:
			if sess.Live() {
				sess.Scopes = storage.MergeScopes(sess.Scopes, grant.Scopes)
			} else {
				sess.Scopes = storage.MergeScopes(nil, grant.Scopes)
				sess.CreatedAt = grant.At
				sess.TerminatedAt = time.Time{}
			}
			sess.Admin = grant.Admin
			sess.LastUsedAt = grant.At
			if grant.IPAddress != "" {
				sess.IPAddress = grant.IPAddress
			}
			if grant.UserAgent != "" {
				sess.UserAgent = grant.UserAgent
			}
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO sessions (id, user_id, client_id, scopes, admin, ip_address, user_agent,
				created_at, last_used_at, terminated_at)
			VALUES (:id, :user_id, :client_id, :scopes, :admin, :ip_address, :user_agent,
				:created_at, :last_used_at, :terminated_at)`, newSessionRow(sess)); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// touchLiveSession records a use of a live session inside tx. It returns
// ErrSessionTerminated, changing nothing, when the session is unknown,
// terminated, belongs to another user or client, or was re-created after
// notBefore.
func touchLiveSession(ctx context.Context, tx *sqlx.Tx, id, userID, clientID string, notBefore time.Time, ipAddress, userAgent string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			last_used_at = ?,
			ip_address = CASE WHEN ? = '' THEN ip_address ELSE ? END,
			user_agent = CASE WHEN ? = '' THEN user_agent ELSE ? END
		WHERE id = ? AND user_id = ? AND client_id = ? AND terminated_at = 0 AND created_at <= ?`,
		unixNano(at),
		ipAddress, ipAddress,
		userAgent, userAgent,
		id, userID, clientID, unixNano(notBefore))
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrSessionTerminated
	}
	return nil
}

// GetSession returns the session for a user and client
func (s *Store) GetSession(ctx context.Context, userID, clientID string) (_ *storage.Session, err error) {
	ctx, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	return getSession(ctx, s.db, userID, clientID)
}

// ListSessions returns sessions matching the filter ordered by user and client
func (s *Store) ListSessions(ctx context.Context, filter storage.SessionFilter) (_ []*storage.Session, err error) {
	ctx, done := s.observe(ctx, "list_sessions")
	defer func() { done(err) }()

	clauses := []string{"1 = 1"}
	var args []any
	if !filter.IncludeTerminated {
		clauses = append(clauses, "terminated_at = 0")
	}
	if len(filter.UserIDs) > 0 {
		clauses = append(clauses, "user_id IN (?)")
		args = append(args, filter.UserIDs)
	}
	if filter.ClientID != "" {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if !filter.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, unixNano(filter.CreatedBefore))
	}
	if !filter.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, unixNano(filter.CreatedAfter))
	}

	query, args, err := sqlx.In(
		`SELECT * FROM sessions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY user_id, client_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	var rows []sessionRow
	if err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]*storage.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSession())
	}
	return out, nil
}

// TerminateSessions marks live sessions terminated
func (s *Store) TerminateSessions(ctx context.Context, sessionIDs []string, at time.Time) (_ int, err error) {
	ctx, done := s.observe(ctx, "terminate_sessions")
	defer func() { done(err) }()

	if len(sessionIDs) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		`UPDATE sessions SET terminated_at = ? WHERE terminated_at = 0 AND id IN (?)`, unixNano(at), sessionIDs)
	if err != nil {
		return 0, fmt.Errorf("building terminate query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("terminating sessions: %w", err)
	}
	n, err := rowsAffected(res)
	return int(n), err
}

// ============================================================
// User-switch audit
// ============================================================

type userSwitchRow struct {
	Seq                  int64      `db:"seq"`
	ID                   string     `db:"id"`
	ClientID             string     `db:"client_id"`
	BrowserContext       string     `db:"browser_context"`
	PreviousUserID       string     `db:"previous_user_id"`
	NewUserID            string     `db:"new_user_id"`
	SwitchType           string     `db:"switch_type"`
	RiskLevel            string     `db:"risk_level"`
	RiskRank             int        `db:"risk_rank"`
	RiskFactors          stringList `db:"risk_factors"`
	IPAddress            string     `db:"ip_address"`
	UserAgent            string     `db:"user_agent"`
	AccessTokensRevoked  int        `db:"access_tokens_revoked"`
	RefreshTokensRevoked int        `db:"refresh_tokens_revoked"`
	CreatedAt            int64      `db:"created_at"`
}

func (r userSwitchRow) toEntry() *storage.UserSwitchAuditEntry {
	return &storage.UserSwitchAuditEntry{
		ID:                   r.ID,
		ClientID:             r.ClientID,
		BrowserContext:       r.BrowserContext,
		PreviousUserID:       r.PreviousUserID,
		NewUserID:            r.NewUserID,
		SwitchType:           storage.SwitchType(r.SwitchType),
		RiskLevel:            storage.RiskLevel(r.RiskLevel),
		RiskFactors:          r.RiskFactors,
		IPAddress:            r.IPAddress,
		UserAgent:            r.UserAgent,
		AccessTokensRevoked:  r.AccessTokensRevoked,
		RefreshTokensRevoked: r.RefreshTokensRevoked,
		CreatedAt:            fromUnixNano(r.CreatedAt),
	}
}

// SaveUserSwitch appends an audit entry
func (s *Store) SaveUserSwitch(ctx context.Context, entry *storage.UserSwitchAuditEntry) (err error) {
	ctx, done := s.observe(ctx, "save_user_switch")
	defer func() { done(err) }()

	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO user_switches (id, client_id, browser_context, previous_user_id, new_user_id,
			switch_type, risk_level, risk_rank, risk_factors, ip_address, user_agent,
			access_tokens_revoked, refresh_tokens_revoked, created_at)
		VALUES (:id, :client_id, :browser_context, :previous_user_id, :new_user_id,
			:switch_type, :risk_level, :risk_rank, :risk_factors, :ip_address, :user_agent,
			:access_tokens_revoked, :refresh_tokens_revoked, :created_at)`,
		userSwitchRow{
			ID:                   id,
			ClientID:             entry.ClientID,
			BrowserContext:       entry.BrowserContext,
			PreviousUserID:       entry.PreviousUserID,
			NewUserID:            entry.NewUserID,
			SwitchType:           string(entry.SwitchType),
			RiskLevel:            string(entry.RiskLevel),
			RiskRank:             entry.RiskLevel.Rank(),
			RiskFactors:          entry.RiskFactors,
			IPAddress:            entry.IPAddress,
			UserAgent:            entry.UserAgent,
			AccessTokensRevoked:  entry.AccessTokensRevoked,
			RefreshTokensRevoked: entry.RefreshTokensRevoked,
			CreatedAt:            unixNano(entry.CreatedAt),
		})
	if err != nil {
		return fmt.Errorf("inserting user switch: %w", err)
	}
	return nil
}

// LastUserSwitch returns the newest entry for a client and browser context
func (s *Store) LastUserSwitch(ctx context.Context, clientID, browserContext string) (_ *storage.UserSwitchAuditEntry, err error) {
	ctx, done := s.observe(ctx, "last_user_switch")
	defer func() { done(err) }()

	var row userSwitchRow
	err = s.db.GetContext(ctx, &row, `
		SELECT * FROM user_switches WHERE client_id = ? AND browser_context = ?
		ORDER BY seq DESC LIMIT 1`, clientID, browserContext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user switch: %w", err)
	}
	return row.toEntry(), nil
}

// ListUserSwitches returns matching entries, newest first
func (s *Store) ListUserSwitches(ctx context.Context, filter storage.UserSwitchFilter) (_ []*storage.UserSwitchAuditEntry, err error) {
	ctx, done := s.observe(ctx, "list_user_switches")
	defer func() { done(err) }()

	query := `SELECT * FROM user_switches WHERE risk_rank >= ?`
	args := []any{filter.MinRisk.Rank()}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	if filter.UserID != "" {
		query += ` AND (previous_user_id = ? OR new_user_id = ?)`
		args = append(args, filter.UserID, filter.UserID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, unixNano(filter.Since))
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []userSwitchRow
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing user switches: %w", err)
	}
	out := make([]*storage.UserSwitchAuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}
