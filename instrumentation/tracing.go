package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put token values, authorization codes, client
// secrets or confirmation tokens in traces or metrics. Use hashes prefixes,
// statuses and counts instead. Traces outlive the tokens they describe and
// are readable by a wider audience than the token store.
const (
	// OAuth flow attributes
	AttrClientID        = "oauth.client_id"
	AttrUserID          = "oauth.user_id"
	AttrScope           = "oauth.scope"
	AttrPKCEMethod      = "oauth.pkce.method"
	AttrGrantType       = "oauth.grant_type"
	AttrRotationCount   = "oauth.token.rotation_count" //nolint:gosec // counter, not a credential
	AttrTokenStatus     = "oauth.token.status"         //nolint:gosec // lifecycle status, not a credential
	AttrTokenRetried    = "oauth.token.retried"        //nolint:gosec // boolean
	AttrReplayDetected  = "oauth.replay_detected"
	AttrSessionID       = "oauth.session_id"
	AttrSwitchType      = "oauth.user_switch.type"
	AttrRiskLevel       = "oauth.user_switch.risk"
	AttrError           = "oauth.error"
	AttrSigningKeyID    = "oauth.signing_key.kid"
	AttrBatchJobID      = "batch.job.id"
	AttrBatchJobType    = "batch.job.type"
	AttrBatchDryRun     = "batch.job.dry_run"
	AttrBatchUserCount  = "batch.job.users"
	AttrRevokedAccess   = "oauth.revoked.access_tokens"
	AttrRevokedRefresh  = "oauth.revoked.refresh_tokens"
	AttrSessionsRemoved = "oauth.sessions.terminated"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span, skipping empty values
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddRotationAttributes describes a refresh token redemption
func AddRotationAttributes(span trace.Span, status string, rotationCount int, retried bool) {
	SetSpanAttributes(span,
		attribute.String(AttrTokenStatus, status),
		attribute.Int(AttrRotationCount, rotationCount),
		attribute.Bool(AttrTokenRetried, retried),
	)
}

// AddRevocationAttributes records revocation counts
func AddRevocationAttributes(span trace.Span, accessTokens, refreshTokens, sessions int) {
	SetSpanAttributes(span,
		attribute.Int(AttrRevokedAccess, accessTokens),
		attribute.Int(AttrRevokedRefresh, refreshTokens),
		attribute.Int(AttrSessionsRemoved, sessions),
	)
}

// AddBatchJobAttributes describes a batch revocation job
func AddBatchJobAttributes(span trace.Span, jobID, jobType string, dryRun bool) {
	SetSpanAttributes(span,
		attribute.String(AttrBatchJobID, jobID),
		attribute.String(AttrBatchJobType, jobType),
		attribute.Bool(AttrBatchDryRun, dryRun),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
