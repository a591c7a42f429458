// Package security holds the cross-cutting protections of the authorization
// server: the audit log, AES-GCM sealing of secrets at rest, rate limiting,
// client IP resolution, request IDs and response headers.
//
// # Audit
//
// Auditor writes one "security_audit" record per event. User IDs are hashed.
// Events carry a Severity; critical events (code reuse, refresh replay,
// emergency revocation) are logged at error level.
//
// # Rate limiting
//
// RateLimiter is a per-identifier token bucket with LRU eviction, used on the
// token endpoint. WindowLimiter counts events in a sliding window and caps
// batch job submissions per initiator.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		Name:              "token",
//		RequestsPerSecond: 10,
//		Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
package security
