package storage

import (
	"context"
	"time"
)

// ClientStore persists registered client applications.
type ClientStore interface {
	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns every registered client, active or not.
	ListClients(ctx context.Context) ([]*Client, error)

	// DeactivateClient soft-deletes a client. Tokens referencing it stay intact.
	DeactivateClient(ctx context.Context, clientID string, at time.Time) error
}

// CodeStore persists authorization codes.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code without changing it.
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode atomically marks a code used, links the minted
	// tokens to it and stores them, and refreshes the last-used metadata of
	// the code's session. All of it happens only while that session is live
	// and was not re-created after the code was issued; otherwise nothing is
	// written and ErrSessionTerminated is returned.
	// It fails with ErrAuthorizationCodeUsed (and returns the stored code) when
	// the code was already redeemed, and with ErrTokenExpired when
	// redemption.At is past the code's expiry.
	// SECURITY: This operation MUST be atomic so that exactly one redemption
	// wins and a concurrent replay always sees the linked tokens.
	RedeemAuthorizationCode(ctx context.Context, codeHash string, redemption Redemption) (*AuthorizationCode, error)
}

// TokenStore persists access tokens and refresh tokens.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Returns false when the
	// token was already revoked.
	RevokeAccessToken(ctx context.Context, tokenHash, reason string, at time.Time) (bool, error)

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// ListRefreshTokensByParent returns the direct children of a refresh token.
	ListRefreshTokensByParent(ctx context.Context, parentHash string) ([]*RefreshToken, error)

	// RotateRefreshToken atomically moves the parent from active to rotating,
	// stores the grace window and replay envelope on it, inserts the child
	// refresh token and its access token, and refreshes the last-used metadata
	// of the parent's session. Returns ErrStatusConflict when the parent is no
	// longer active, and ErrSessionTerminated when its session is not live;
	// in both cases nothing is written.
	RotateRefreshToken(ctx context.Context, parentHash string, rotation Rotation) error

	// TransitionRefreshToken atomically moves a refresh token to status `to`
	// if its current status is one of `from`. Moving to revoked or expired
	// clears the replay envelope. Returns the updated token, or
	// ErrStatusConflict when the current status does not match.
	TransitionRefreshToken(ctx context.Context, tokenHash string, from []RefreshTokenStatus, to RefreshTokenStatus, reason string, at time.Time) (*RefreshToken, error)

	// RevokeTokens revokes every live access token and every active or
	// rotating refresh token matching the filter.
	RevokeTokens(ctx context.Context, filter TokenFilter, reason string, at time.Time) (RevocationCounts, error)

	// CountTokens counts what RevokeTokens would revoke with the same filter.
	CountTokens(ctx context.Context, filter TokenFilter, at time.Time) (RevocationCounts, error)
}

// SessionStore persists per (user, client) sessions.
type SessionStore interface {
	// UpsertSession creates the session for (UserID, ClientID) or updates it
	// in place, merging scopes as a union. A terminated session is revived
	// with only the newly granted scopes and a new CreatedAt. Only a fresh
	// authorization may call it; token redemption never revives a session.
	UpsertSession(ctx context.Context, grant SessionGrant) (*Session, error)

	// GetSession returns the session for a user and client, or ErrNotFound.
	GetSession(ctx context.Context, userID, clientID string) (*Session, error)

	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// TerminateSessions marks the given live sessions terminated and returns
	// how many changed.
	TerminateSessions(ctx context.Context, sessionIDs []string, at time.Time) (int, error)
}

// AuditStore persists the user-switch audit trail.
type AuditStore interface {
	SaveUserSwitch(ctx context.Context, entry *UserSwitchAuditEntry) error

	// LastUserSwitch returns the newest entry for a client and browser context,
	// or ErrNotFound.
	LastUserSwitch(ctx context.Context, clientID, browserContext string) (*UserSwitchAuditEntry, error)

	// ListUserSwitches returns matching entries, newest first.
	ListUserSwitches(ctx context.Context, filter UserSwitchFilter) ([]*UserSwitchAuditEntry, error)
}

// KeyStore persists signing keys.
type KeyStore interface {
	SaveSigningKey(ctx context.Context, key *SigningKey) error
	ListSigningKeys(ctx context.Context) ([]*SigningKey, error)

	// ActivateSigningKey makes kid the only active key. The previously active
	// key gets RotatedAt set.
	ActivateSigningKey(ctx context.Context, kid string, at time.Time) error

	DeleteSigningKey(ctx context.Context, kid string) error
}

// NonceStore enforces single use of nonces, PKCE challenges and other
// one-time values.
type NonceStore interface {
	// ConsumeNonce records the nonce as used. It returns ErrNonceReplayed if
	// an unexpired record with the same hash already exists.
	ConsumeNonce(ctx context.Context, nonce *Nonce) error
}

// JobStore persists batch revocation jobs and their per-user outcomes.
type JobStore interface {
	CreateJob(ctx context.Context, job *BatchJob) error
	GetJob(ctx context.Context, id string) (*BatchJob, error)

	// ListJobs returns matching jobs ordered by priority (highest first) and
	// then by creation time (oldest first).
	ListJobs(ctx context.Context, filter JobFilter) ([]*BatchJob, error)

	// TransitionJob atomically moves a job to status `to` if its current
	// status is one of `from`. Returns ErrStatusConflict otherwise.
	TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, update JobUpdate) (*BatchJob, error)

	// UpdateJobProgress stores progress and statistics. Progress never moves
	// backwards: a lower value than the stored one is ignored, and so is an
	// equal value with fewer processed users.
	UpdateJobProgress(ctx context.Context, id string, progress int, stats JobStats) error

	SaveAffectedUser(ctx context.Context, record *AffectedUserRecord) error
	ListAffectedUsers(ctx context.Context, jobID string) ([]*AffectedUserRecord, error)
}

// Store aggregates every store the core needs apart from the NonceStore,
// which may live on a separate backend.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	SessionStore
	AuditStore
	KeyStore
	JobStore
}
