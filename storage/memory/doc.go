// Package memory provides an in-memory implementation of the storage interfaces.
//
// All state lives in maps guarded by one sync.RWMutex. Every conditional
// transition (code consumption, refresh token rotation, job transitions)
// runs under the write lock, so it is atomic for every goroutine sharing the
// Store. It is suitable for development, testing, and single-instance
// deployments; use storage/sqlite when several server instances share state.
//
// Features:
//   - Copy-on-read: callers never receive pointers into the store's maps
//   - Background cleanup of expired codes, nonces and tokens
//   - OpenTelemetry spans and storage metrics via SetInstrumentation
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, keyManager, clients, config, logger)
package memory
