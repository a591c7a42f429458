package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/giantswarm/sso-core/internal/util"
	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Clients
// ============================================================

type clientRow struct {
	ClientID         string     `db:"client_id"`
	ClientSecretHash string     `db:"client_secret_hash"`
	ClientName       string     `db:"client_name"`
	RedirectURIs     stringList `db:"redirect_uris"`
	Scopes           stringList `db:"scopes"`
	Confidential     bool       `db:"confidential"`
	Active           bool       `db:"active"`
	Trusted          bool       `db:"trusted"`
	Service          bool       `db:"service"`
	CreatedAt        int64      `db:"created_at"`
	UpdatedAt        int64      `db:"updated_at"`
}

func newClientRow(c *storage.Client) clientRow {
	return clientRow{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		Scopes:           c.Scopes,
		Confidential:     c.Confidential,
		Active:           c.Active,
		Trusted:          c.Trusted,
		Service:          c.Service,
		CreatedAt:        unixNano(c.CreatedAt),
		UpdatedAt:        unixNano(c.UpdatedAt),
	}
}

func (r clientRow) toClient() *storage.Client {
	return &storage.Client{
		ClientID:         r.ClientID,
		ClientSecretHash: r.ClientSecretHash,
		ClientName:       r.ClientName,
		RedirectURIs:     r.RedirectURIs,
		Scopes:           r.Scopes,
		Confidential:     r.Confidential,
		Active:           r.Active,
		Trusted:          r.Trusted,
		Service:          r.Service,
		CreatedAt:        fromUnixNano(r.CreatedAt),
		UpdatedAt:        fromUnixNano(r.UpdatedAt),
	}
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO clients (client_id, client_secret_hash, client_name, redirect_uris, scopes,
			confidential, active, trusted, service, created_at, updated_at)
		VALUES (:client_id, :client_secret_hash, :client_name, :redirect_uris, :scopes,
			:confidential, :active, :trusted, :service, :created_at, :updated_at)`,
		newClientRow(client))
	if err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	var row clientRow
	err = s.db.GetContext(ctx, &row, `SELECT * FROM clients WHERE client_id = ?`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return row.toClient(), nil
}

// ListClients returns all clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.observe(ctx, "list_clients")
	defer func() { done(err) }()

	var rows []clientRow
	if err = s.db.SelectContext(ctx, &rows, `SELECT * FROM clients ORDER BY client_id`); err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	out := make([]*storage.Client, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toClient())
	}
	return out, nil
}

// DeactivateClient marks a client inactive
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) (err error) {
	ctx, done := s.observe(ctx, "deactivate_client")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET active = 0, updated_at = ? WHERE client_id = ?`, unixNano(at), clientID)
	if err != nil {
		return fmt.Errorf("deactivating client: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// ============================================================
// Authorization codes
// ============================================================

type codeRow struct {
	CodeHash               string `db:"code_hash"`
	ClientID               string `db:"client_id"`
	UserID                 string `db:"user_id"`
	SessionID              string `db:"session_id"`
	RedirectURI            string `db:"redirect_uri"`
	Scope                  string `db:"scope"`
	CodeChallenge          string `db:"code_challenge"`
	CodeChallengeMethod    string `db:"code_challenge_method"`
	Nonce                  string `db:"nonce"`
	AuthTime               int64  `db:"auth_time"`
	BrowserContext         string `db:"browser_context"`
	CreatedAt              int64  `db:"created_at"`
	ExpiresAt              int64  `db:"expires_at"`
	UsedAt                 int64  `db:"used_at"`
	IssuedAccessTokenHash  string `db:"issued_access_token_hash"`
	IssuedRefreshTokenHash string `db:"issued_refresh_token_hash"`
}

func newCodeRow(c *storage.AuthorizationCode) codeRow {
	return codeRow{
		CodeHash:               c.CodeHash,
		ClientID:               c.ClientID,
		UserID:                 c.UserID,
		SessionID:              c.SessionID,
		RedirectURI:            c.RedirectURI,
		Scope:                  c.Scope,
		CodeChallenge:          c.CodeChallenge,
		CodeChallengeMethod:    c.CodeChallengeMethod,
		Nonce:                  c.Nonce,
		AuthTime:               unixNano(c.AuthTime),
		BrowserContext:         c.BrowserContext,
		CreatedAt:              unixNano(c.CreatedAt),
		ExpiresAt:              unixNano(c.ExpiresAt),
		UsedAt:                 unixNano(c.UsedAt),
		IssuedAccessTokenHash:  c.IssuedAccessTokenHash,
		IssuedRefreshTokenHash: c.IssuedRefreshTokenHash,
	}
}

func (r codeRow) toCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:               r.CodeHash,
		ClientID:               r.ClientID,
		UserID:                 r.UserID,
		SessionID:              r.SessionID,
		RedirectURI:            r.RedirectURI,
		Scope:                  r.Scope,
		CodeChallenge:          r.CodeChallenge,
		CodeChallengeMethod:    r.CodeChallengeMethod,
		Nonce:                  r.Nonce,
		AuthTime:               fromUnixNano(r.AuthTime),
		BrowserContext:         r.BrowserContext,
		CreatedAt:              fromUnixNano(r.CreatedAt),
		ExpiresAt:              fromUnixNano(r.ExpiresAt),
		UsedAt:                 fromUnixNano(r.UsedAt),
		IssuedAccessTokenHash:  r.IssuedAccessTokenHash,
		IssuedRefreshTokenHash: r.IssuedRefreshTokenHash,
	}
}

// SaveAuthorizationCode stores a new authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.observe(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.CodeHash == "" {
		return fmt.Errorf("authorization code hash cannot be empty")
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO authorization_codes (code_hash, client_id, user_id, session_id, redirect_uri, scope,
			code_challenge, code_challenge_method, nonce, auth_time, browser_context, created_at,
			expires_at, used_at, issued_access_token_hash, issued_refresh_token_hash)
		VALUES (:code_hash, :client_id, :user_id, :session_id, :redirect_uri, :scope,
			:code_challenge, :code_challenge_method, :nonce, :auth_time, :browser_context, :created_at,
			:expires_at, :used_at, :issued_access_token_hash, :issued_refresh_token_hash)`,
		newCodeRow(code))
	if isUniqueViolation(err) {
		return fmt.Errorf("authorization code already exists")
	}
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

func getCode(ctx context.Context, q sqlx.QueryerContext, codeHash string) (*storage.AuthorizationCode, error) {
	var row codeRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM authorization_codes WHERE code_hash = ?`, codeHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization code: %w", err)
	}
	return row.toCode(), nil
}

// GetAuthorizationCode returns the stored code
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "get_authorization_code")
	defer func() { done(err) }()

	return getCode(ctx, s.db, codeHash)
}

// RedeemAuthorizationCode marks a code used, links and stores the minted
// tokens and touches the session in one transaction
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, redemption storage.Redemption) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.observe(ctx, "redeem_authorization_code")
	defer func() { done(err) }()

	if redemption.Access == nil || redemption.Refresh == nil {
		return nil, fmt.Errorf("redemption requires an access token and a refresh token")
	}

	var redeemed *storage.AuthorizationCode
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		code, err := getCode(ctx, tx, codeHash)
		if err != nil {
			return err
		}
		if code.Used() {
			redeemed = code
			return storage.ErrAuthorizationCodeUsed
		}
		if !redemption.At.Before(code.ExpiresAt) {
			return fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		}

		// SECURITY: guarded by used_at = 0 so that exactly one redemption wins
		res, err := tx.ExecContext(ctx, `
			UPDATE authorization_codes SET used_at = ?, issued_access_token_hash = ?, issued_refresh_token_hash = ?
			WHERE code_hash = ? AND used_at = 0`,
			unixNano(redemption.At), redemption.Access.TokenHash, redemption.Refresh.TokenHash, codeHash)
		if err != nil {
			return fmt.Errorf("marking authorization code used: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			redeemed, _ = getCode(ctx, tx, codeHash)
			return storage.ErrAuthorizationCodeUsed
		}

		if err := touchLiveSession(ctx, tx, code.SessionID, code.UserID, code.ClientID, code.CreatedAt,
			redemption.IPAddress, redemption.UserAgent, redemption.At); err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, insertAccessToken, newAccessTokenRow(redemption.Access)); err != nil {
			return fmt.Errorf("inserting access token: %w", err)
		}
		if _, err := tx.NamedExecContext(ctx, insertRefreshToken, newRefreshTokenRow(redemption.Refresh)); err != nil {
			return fmt.Errorf("inserting refresh token: %w", err)
		}

		code.UsedAt = redemption.At
		code.IssuedAccessTokenHash = redemption.Access.TokenHash
		code.IssuedRefreshTokenHash = redemption.Refresh.TokenHash
		redeemed = code
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			return redeemed, err
		}
		return nil, err
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(codeHash, tokenIDLogLength))
	return redeemed, nil
}

// ============================================================
// Nonces
// ============================================================

// ConsumeNonce records a single-use value. An expired record with the same
// hash is overwritten; an unexpired one makes the insert a no-op.
func (s *Store) ConsumeNonce(ctx context.Context, nonce *storage.Nonce) (err error) {
	ctx, done := s.observe(ctx, "consume_nonce")
	defer func() { done(err) }()

	if nonce == nil || nonce.ValueHash == "" {
		return fmt.Errorf("nonce hash cannot be empty")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (value_hash, client_id, user_id, expires_at, used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (value_hash) DO UPDATE SET
			client_id = excluded.client_id,
			user_id = excluded.user_id,
			expires_at = excluded.expires_at,
			used_at = excluded.used_at
		WHERE nonces.expires_at <= excluded.used_at`,
		nonce.ValueHash, nonce.ClientID, nonce.UserID, unixNano(nonce.ExpiresAt), unixNano(nonce.UsedAt))
	if err != nil {
		return fmt.Errorf("recording nonce: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNonceReplayed
	}
	return nil
}

// ============================================================
// Signing keys
// ============================================================

type signingKeyRow struct {
	KeyID         string `db:"key_id"`
	Algorithm     string `db:"algorithm"`
	PrivateKeyPEM string `db:"private_key_pem"`
	PublicKeyPEM  string `db:"public_key_pem"`
	Active        bool   `db:"active"`
	CreatedAt     int64  `db:"created_at"`
	ExpiresAt     int64  `db:"expires_at"`
	RotatedAt     int64  `db:"rotated_at"`
}

// SaveSigningKey creates or replaces a signing key
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) (err error) {
	ctx, done := s.observe(ctx, "save_signing_key")
	defer func() { done(err) }()

	if key == nil || key.KeyID == "" {
		return fmt.Errorf("key ID cannot be empty")
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO signing_keys (key_id, algorithm, private_key_pem, public_key_pem,
			active, created_at, expires_at, rotated_at)
		VALUES (:key_id, :algorithm, :private_key_pem, :public_key_pem,
			:active, :created_at, :expires_at, :rotated_at)`,
		signingKeyRow{
			KeyID:         key.KeyID,
			Algorithm:     key.Algorithm,
			PrivateKeyPEM: key.PrivateKeyPEM,
			PublicKeyPEM:  key.PublicKeyPEM,
			Active:        key.Active,
			CreatedAt:     unixNano(key.CreatedAt),
			ExpiresAt:     unixNano(key.ExpiresAt),
			RotatedAt:     unixNano(key.RotatedAt),
		})
	if err != nil {
		return fmt.Errorf("saving signing key: %w", err)
	}
	return nil
}

// ListSigningKeys returns all signing keys, newest first
func (s *Store) ListSigningKeys(ctx context.Context) (_ []*storage.SigningKey, err error) {
	ctx, done := s.observe(ctx, "list_signing_keys")
	defer func() { done(err) }()

	var rows []signingKeyRow
	if err = s.db.SelectContext(ctx, &rows, `SELECT * FROM signing_keys ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("listing signing keys: %w", err)
	}
	out := make([]*storage.SigningKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, &storage.SigningKey{
			KeyID:         r.KeyID,
			Algorithm:     r.Algorithm,
			PrivateKeyPEM: r.PrivateKeyPEM,
			PublicKeyPEM:  r.PublicKeyPEM,
			Active:        r.Active,
			CreatedAt:     fromUnixNano(r.CreatedAt),
			ExpiresAt:     fromUnixNano(r.ExpiresAt),
			RotatedAt:     fromUnixNano(r.RotatedAt),
		})
	}
	return out, nil
}

// ActivateSigningKey makes kid the only active key
func (s *Store) ActivateSigningKey(ctx context.Context, kid string, at time.Time) (err error) {
	ctx, done := s.observe(ctx, "activate_signing_key")
	defer func() { done(err) }()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE signing_keys SET active = 1 WHERE key_id = ?`, kid)
		if err != nil {
			return fmt.Errorf("activating signing key: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrKeyNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE signing_keys SET active = 0, rotated_at = ? WHERE active = 1 AND key_id <> ?`,
			unixNano(at), kid); err != nil {
			return fmt.Errorf("retiring signing keys: %w", err)
		}
		return nil
	})
}

// DeleteSigningKey removes a signing key
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	ctx, done := s.observe(ctx, "delete_signing_key")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM signing_keys WHERE key_id = ?`, kid)
	if err != nil {
		return fmt.Errorf("deleting signing key: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}
