// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics are recorded through an OpenTelemetry SDK meter provider whose
// reader is the Prometheus exporter; Handler exposes them for scraping.
// Traces are produced by an SDK tracer provider which the embedding
// application may wire to an exporter of its choice.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "ssod",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//	mux.Handle("/metrics", inst.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Token lifecycle:
//   - oauth.code.issued{client_id, auto_approved}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.refreshed{client_id, retried}
//   - oauth.token.revoked{reason}
//   - oauth.id_token.signed{client_id}
//   - oauth.signing_key.rotations
//
// Security:
//   - oauth.replay.detected{kind} where kind is "code" or "refresh_token"
//   - oauth.user_switch.total{switch_type, risk_level}
//   - oauth.pkce.validation_failed{method}
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.audit.events.total{event_type, severity}
//
// Batch revocation:
//   - oauth.batch.jobs.total{job_type, status, dry_run}
//   - oauth.batch.job.duration{job_type, status, dry_run}
//   - oauth.batch.users.processed{job_type, result}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.access_tokens.count, storage.refresh_tokens.count,
//     storage.sessions.count, storage.codes.count
//
// # Security
//
// Attribute keys in this package carry metadata only. Token values,
// authorization codes and client secrets must never be recorded.
package instrumentation
