package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/sso-core/instrumentation"
)

// Severity grades an audit event. Critical events are logged at error level
// so that alerting on the log stream picks them up.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetMetrics makes the auditor count events by type and severity
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	a.metrics = m
}

// SetClock overrides the event timestamp source
func (a *Auditor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Severity  Severity
	UserID    string
	ClientID  string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with a hashed user ID
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_type", event.Type,
		"severity", string(event.Severity),
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type, string(event.Severity))
	}
}

// LogTokenIssued logs a successful code exchange
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, ipAddress, scope string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token redemption
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID, ipAddress string, rotationCount int, retried bool) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotation_count": rotationCount,
			"retried":        retried,
		},
	})
}

// LogTokenRevoked logs a revocation request
func (a *Auditor) LogTokenRevoked(ctx context.Context, userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(ctx, Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs a client or user authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, userID, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		Severity:  SeverityWarning,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, limiter string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		Severity:  SeverityWarning,
		IPAddress: ipAddress,
		Details:   map[string]any{"limiter": limiter},
	})
}

// LogReplayDetected logs a replayed authorization code or refresh token.
// Replays are always critical: they indicate a stolen credential.
func (a *Auditor) LogReplayDetected(ctx context.Context, eventType, userID, clientID, ipAddress string, details map[string]any) {
	a.LogEvent(ctx, Event{
		Type:      eventType,
		Severity:  SeverityCritical,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   details,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
