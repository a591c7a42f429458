package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token lifecycle
	CodesIssued      metric.Int64Counter
	CodesExchanged   metric.Int64Counter
	TokensRefreshed  metric.Int64Counter
	TokensRevoked    metric.Int64Counter
	ReplayDetected   metric.Int64Counter
	KeyRotations     metric.Int64Counter
	UserSwitches     metric.Int64Counter
	IDTokensSigned   metric.Int64Counter
	PKCEFailed       metric.Int64Counter
	RateLimitHits    metric.Int64Counter
	AuditEventsTotal metric.Int64Counter

	// Batch revocation
	BatchJobsTotal      metric.Int64Counter
	BatchUsersProcessed metric.Int64Counter
	BatchJobDuration    metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageSessions          metric.Int64ObservableGauge
	StorageCodes             metric.Int64ObservableGauge
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter string
	name  string
	desc  string
	unit  string
}

type histogramSpec struct {
	dst   *metric.Float64Histogram
	meter string
	name  string
	desc  string
}

type gaugeSpec struct {
	dst  *metric.Int64ObservableGauge
	name string
	desc string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.CodesIssued, "server", "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodesExchanged, "server", "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokensRefreshed, "server", "oauth.token.refreshed", "Number of refresh token redemptions", "{refresh}"},
		{&m.TokensRevoked, "server", "oauth.token.revoked", "Number of tokens revoked", "{token}"},
		{&m.ReplayDetected, "security", "oauth.replay.detected", "Number of replayed codes or refresh tokens", "{attempt}"},
		{&m.KeyRotations, "server", "oauth.signing_key.rotations", "Number of signing key rotations", "{rotation}"},
		{&m.UserSwitches, "security", "oauth.user_switch.total", "Number of user-switch audit entries", "{entry}"},
		{&m.IDTokensSigned, "server", "oauth.id_token.signed", "Number of identity tokens signed", "{token}"},
		{&m.PKCEFailed, "security", "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.RateLimitHits, "security", "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Total number of audit events", "{event}"},
		{&m.BatchJobsTotal, "batch", "oauth.batch.jobs.total", "Number of batch jobs reaching a final status", "{job}"},
		{&m.BatchUsersProcessed, "batch", "oauth.batch.users.processed", "Number of per-user batch units processed", "{user}"},
		{&m.StorageOperationTotal, "storage", "storage.operation.total", "Total number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		v, err := inst.Meter(c.meter).Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = v
	}

	histograms := []histogramSpec{
		{&m.HTTPRequestDuration, "http", "oauth.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.BatchJobDuration, "batch", "oauth.batch.job.duration", "Batch job run time in milliseconds"},
		{&m.StorageOperationDuration, "storage", "storage.operation.duration", "Storage operation duration in milliseconds"},
	}
	for _, h := range histograms {
		v, err := inst.Meter(h.meter).Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = v
	}

	gauges := []gaugeSpec{
		{&m.StorageAccessTokens, "storage.access_tokens.count", "Number of stored access tokens"},
		{&m.StorageRefreshTokens, "storage.refresh_tokens.count", "Number of stored refresh tokens"},
		{&m.StorageSessions, "storage.sessions.count", "Number of stored sessions"},
		{&m.StorageCodes, "storage.codes.count", "Number of stored authorization codes"},
	}
	for _, g := range gauges {
		v, err := inst.Meter("storage").Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = v
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string, autoApproved bool) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("auto_approved", autoApproved),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh token redemption. retried is true
// when the response was replayed inside the grace window.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, retried bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("retried", retried),
	))
}

// RecordTokensRevoked records revoked tokens by reason
func (m *Metrics) RecordTokensRevoked(ctx context.Context, reason string, count int) {
	if count <= 0 {
		return
	}
	m.TokensRevoked.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReplayDetected records a replayed code or refresh token
func (m *Metrics) RecordReplayDetected(ctx context.Context, kind string) {
	m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	m.KeyRotations.Add(ctx, 1)
}

// RecordIDTokenSigned records an identity token signature
func (m *Metrics) RecordIDTokenSigned(ctx context.Context, clientID string) {
	m.IDTokensSigned.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordUserSwitch records a user-switch audit entry
func (m *Metrics) RecordUserSwitch(ctx context.Context, switchType, riskLevel string) {
	m.UserSwitches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("switch_type", switchType),
		attribute.String("risk_level", riskLevel),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitHits.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, severity string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	))
}

// RecordBatchJob records a batch job reaching a final status
func (m *Metrics) RecordBatchJob(ctx context.Context, jobType, status string, dryRun bool, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
		attribute.Bool("dry_run", dryRun),
	)
	m.BatchJobsTotal.Add(ctx, 1, attrs)
	m.BatchJobDuration.Record(ctx, durationMs, attrs)
}

// RecordBatchUser records one per-user unit
func (m *Metrics) RecordBatchUser(ctx context.Context, jobType, result string) {
	m.BatchUsersProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("result", result),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
