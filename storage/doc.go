// Package storage defines the data model and persistence interfaces of the
// authorization server core.
//
// The interfaces cover every entity the core owns:
//   - ClientStore: registered client applications
//   - CodeStore: single-use authorization codes
//   - TokenStore: access tokens and the refresh token rotation state
//   - SessionStore: per (user, client) grant relationships
//   - AuditStore: user-switch audit trail
//   - KeyStore: signing keys
//   - NonceStore: single-use values (nonces, PKCE challenges, confirmation IDs)
//   - JobStore: batch revocation jobs and their per-user outcomes
//
// Every state transition is exposed as one atomic conditional operation.
// Implementations must never rely on an in-process lock held by the caller,
// because the server runs as several instances sharing one store.
//
// Token values never reach this package in plaintext: callers pass
// HashToken(value) and the plaintext stays with the client.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/sqlite: persistent SQLite storage with embedded migrations
//   - storage/redis: Redis-backed NonceStore for multi-instance replay protection
package storage
