package storage

import (
	"slices"
	"time"
)

// Client is a registered client application.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientName       string
	RedirectURIs     []string
	Scopes           []string
	Confidential     bool
	Active           bool
	Trusted          bool // auto-approved without a consent step
	Service          bool // service-to-service client; its tokens are service tokens
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuthorizationCode is a short-lived, single-use code bound to the
// parameters of the authorization request that produced it.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	UserID              string
	SessionID           string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	BrowserContext      string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              time.Time

	// Set after a successful redemption.
	IssuedAccessTokenHash  string
	IssuedRefreshTokenHash string
}

// Used reports whether the code has been redeemed.
func (c *AuthorizationCode) Used() bool {
	return !c.UsedAt.IsZero()
}

// AccessToken is a reference access token.
type AccessToken struct {
	TokenHash        string
	ClientID         string
	UserID           string
	Scope            string
	SessionID        string
	BrowserContext   string
	Service          bool
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RevokedAt        time.Time
	RevocationReason string
}

// Live reports whether the token is unrevoked and unexpired at the given time.
func (t *AccessToken) Live(at time.Time) bool {
	return t.RevokedAt.IsZero() && at.Before(t.ExpiresAt)
}

// RefreshTokenStatus is the rotation state of a refresh token.
type RefreshTokenStatus string

const (
	RefreshTokenActive   RefreshTokenStatus = "active"
	RefreshTokenRotating RefreshTokenStatus = "rotating"
	RefreshTokenRevoked  RefreshTokenStatus = "revoked"
	RefreshTokenExpired  RefreshTokenStatus = "expired"
)

// RefreshToken is one link of a rotation chain. ParentTokenHash and
// ChildTokenHash connect the members of a token family.
type RefreshToken struct {
	TokenHash       string
	ClientID        string
	UserID          string
	Scope           string
	SessionID       string
	BrowserContext  string
	Service         bool
	Status          RefreshTokenStatus
	ParentTokenHash string
	ChildTokenHash  string
	RotationCount   int
	GraceExpiresAt  time.Time
	AccessTokenHash string

	// ReplayEnvelope holds the encrypted child token pair while the token is
	// rotating so that a retry inside the grace window gets the same pair.
	ReplayEnvelope string

	IssuedAt         time.Time
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	IPAddress        string
	UserAgent        string
	RevokedAt        time.Time
	RevocationReason string
}

// Redeemable reports whether the token is in a state that can still be
// presented (active or rotating).
func (t *RefreshToken) Redeemable() bool {
	return t.Status == RefreshTokenActive || t.Status == RefreshTokenRotating
}

// Redemption carries the tokens minted for an authorization code and the
// request metadata recorded on its session.
type Redemption struct {
	Access    *AccessToken
	Refresh   *RefreshToken
	IPAddress string
	UserAgent string
	At        time.Time
}

// Rotation describes one active to rotating transition.
type Rotation struct {
	Child          *RefreshToken
	ChildAccess    *AccessToken
	GraceExpiresAt time.Time
	ReplayEnvelope string
	IPAddress      string
	UserAgent      string
	At             time.Time
}

// TokenFilter selects tokens for bulk revocation. Empty fields match
// everything.
type TokenFilter struct {
	UserID               string
	ClientID             string
	SessionIDs           []string
	BrowserContext       string
	IssuedBefore         time.Time
	IssuedAfter          time.Time
	ExcludeServiceTokens bool
}

// MatchAccess reports whether an access token matches the filter.
func (f TokenFilter) MatchAccess(t *AccessToken) bool {
	return f.match(t.UserID, t.ClientID, t.SessionID, t.BrowserContext, t.Service, t.IssuedAt)
}

// MatchRefresh reports whether a refresh token matches the filter.
func (f TokenFilter) MatchRefresh(t *RefreshToken) bool {
	return f.match(t.UserID, t.ClientID, t.SessionID, t.BrowserContext, t.Service, t.IssuedAt)
}

func (f TokenFilter) match(userID, clientID, sessionID, browserContext string, service bool, issuedAt time.Time) bool {
	if f.UserID != "" && f.UserID != userID {
		return false
	}
	if f.ClientID != "" && f.ClientID != clientID {
		return false
	}
	if len(f.SessionIDs) > 0 && !slices.Contains(f.SessionIDs, sessionID) {
		return false
	}
	if f.BrowserContext != "" && f.BrowserContext != browserContext {
		return false
	}
	if f.ExcludeServiceTokens && service {
		return false
	}
	if !f.IssuedBefore.IsZero() && !issuedAt.Before(f.IssuedBefore) {
		return false
	}
	if !f.IssuedAfter.IsZero() && issuedAt.Before(f.IssuedAfter) {
		return false
	}
	return true
}

// RevocationCounts reports how many tokens a bulk operation touched.
type RevocationCounts struct {
	AccessTokens  int
	RefreshTokens int
}

// Add returns the element-wise sum of two counts.
func (c RevocationCounts) Add(o RevocationCounts) RevocationCounts {
	return RevocationCounts{
		AccessTokens:  c.AccessTokens + o.AccessTokens,
		RefreshTokens: c.RefreshTokens + o.RefreshTokens,
	}
}

// Session is the durable grant relationship between a user and a client.
type Session struct {
	ID           string
	UserID       string
	ClientID     string
	Scopes       []string
	Admin        bool
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	TerminatedAt time.Time
}

// Live reports whether the session has not been terminated.
func (s *Session) Live() bool {
	return s.TerminatedAt.IsZero()
}

// SessionGrant is the input of SessionStore.UpsertSession.
type SessionGrant struct {
	UserID    string
	ClientID  string
	Scopes    []string
	Admin     bool
	IPAddress string
	UserAgent string
	At        time.Time
}

// SessionFilter selects sessions. Empty fields match everything.
type SessionFilter struct {
	UserIDs           []string
	ClientID          string
	CreatedBefore     time.Time
	CreatedAfter      time.Time
	IncludeTerminated bool
}

// Match reports whether a session matches the filter.
func (f SessionFilter) Match(s *Session) bool {
	if !f.IncludeTerminated && !s.Live() {
		return false
	}
	if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, s.UserID) {
		return false
	}
	if f.ClientID != "" && f.ClientID != s.ClientID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.CreatedAfter.IsZero() && s.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	return true
}

// SwitchType classifies an identity change observed for a client and browser.
type SwitchType string

const (
	SwitchFirstLogin    SwitchType = "first_login"
	SwitchSameUser      SwitchType = "same_user"
	SwitchUserChange    SwitchType = "user_change"
	SwitchErrorDetected SwitchType = "error_detected"
)

// RiskLevel grades a user switch.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from 0 (low) to 3 (critical). Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// UserSwitchAuditEntry records one identity observation for a client and
// browser context, including what was cleaned up on a user change.
type UserSwitchAuditEntry struct {
	ID                   string
	ClientID             string
	BrowserContext       string
	PreviousUserID       string
	NewUserID            string
	SwitchType           SwitchType
	RiskLevel            RiskLevel
	RiskFactors          []string
	IPAddress            string
	UserAgent            string
	AccessTokensRevoked  int
	RefreshTokensRevoked int
	CreatedAt            time.Time
}

// UserSwitchFilter selects audit entries. Empty fields match everything.
type UserSwitchFilter struct {
	ClientID string
	UserID   string // matches either the previous or the new user
	Since    time.Time
	MinRisk  RiskLevel
	Limit    int
}

// Match reports whether an entry matches the filter (Limit is not applied).
func (f UserSwitchFilter) Match(e *UserSwitchAuditEntry) bool {
	if f.ClientID != "" && f.ClientID != e.ClientID {
		return false
	}
	if f.UserID != "" && f.UserID != e.NewUserID && f.UserID != e.PreviousUserID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return e.RiskLevel.Rank() >= f.MinRisk.Rank()
}

// SigningKey is an asymmetric key used to sign identity tokens.
type SigningKey struct {
	KeyID         string
	Algorithm     string
	PrivateKeyPEM string // encrypted at rest when an encryptor is configured
	PublicKeyPEM  string
	Active        bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RotatedAt     time.Time
}

// Nonce is a single-use value, stored by hash.
type Nonce struct {
	ValueHash string
	ClientID  string
	UserID    string
	ExpiresAt time.Time
	UsedAt    time.Time
}

// JobType selects how a batch job picks its targets.
type JobType string

const (
	JobTypeGroup       JobType = "group"
	JobTypeClient      JobType = "client"
	JobTypeTimeWindow  JobType = "time_window"
	JobTypeConditional JobType = "conditional"
	JobTypeEmergency   JobType = "emergency"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobConditions is the structured condition set of a batch job.
type JobConditions struct {
	Group        string    `json:"group,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	IssuedBefore time.Time `json:"issued_before,omitzero"`
	IssuedAfter  time.Time `json:"issued_after,omitzero"`
	Expression   string    `json:"expression,omitempty"`

	// Emergency overrides; nil falls back to the server configuration.
	ExcludeAdminSessions  *bool `json:"exclude_admin_sessions,omitempty"`
	PreserveServiceTokens *bool `json:"preserve_service_tokens,omitempty"`

	Notify bool `json:"notify,omitempty"`
}

// JobStats are the result statistics of a batch job.
type JobStats struct {
	TotalUsers           int `json:"total_users"`
	ProcessedUsers       int `json:"processed_users"`
	AffectedUsers        int `json:"affected_users"`
	FailedUsers          int `json:"failed_users"`
	AccessTokensRevoked  int `json:"access_tokens_revoked"`
	RefreshTokensRevoked int `json:"refresh_tokens_revoked"`
	SessionsTerminated   int `json:"sessions_terminated"`
	NotificationsSent    int `json:"notifications_sent"`
	NotificationsFailed  int `json:"notifications_failed"`
}

// BatchJob is an administratively triggered mass revocation.
type BatchJob struct {
	ID          string
	Type        JobType
	Status      JobStatus
	Initiator   string
	Reason      string
	Conditions  JobConditions
	DryRun      bool
	Priority    int
	Progress    int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	CancelledAt time.Time
	Stats       JobStats
	Error       string
}

// JobUpdate carries the fields written by TransitionJob.
type JobUpdate struct {
	At    time.Time
	Stats *JobStats
	Error string
}

// Apply writes the transition to a job in memory. Backends that keep jobs
// as structs share it so that timestamps are set identically.
func (u JobUpdate) Apply(job *BatchJob, to JobStatus) {
	job.Status = to
	switch to {
	case JobProcessing:
		job.StartedAt = u.At
	case JobCompleted:
		job.CompletedAt = u.At
		job.Progress = 100
	case JobFailed:
		job.CompletedAt = u.At
	case JobCancelled:
		job.CancelledAt = u.At
	}
	if u.Stats != nil {
		job.Stats = *u.Stats
	}
	if u.Error != "" {
		job.Error = u.Error
	}
}

// JobFilter selects jobs. Empty fields match everything.
type JobFilter struct {
	Statuses []JobStatus
	Limit    int
}

// AffectedUserRecord is the outcome of one per-user unit of a batch job.
type AffectedUserRecord struct {
	JobID                string
	UserID               string
	AccessTokensRevoked  int
	RefreshTokensRevoked int
	SessionsTerminated   int
	Notified             bool
	NotificationError    string
	Error                string
	ProcessedAt          time.Time
}
