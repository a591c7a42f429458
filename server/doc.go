// Package server implements the token lifecycle of the authorization server.
//
// It validates authorization requests and issues authorization codes,
// redeems codes for access, refresh and identity tokens, rotates refresh
// tokens with a grace window and revokes whole token families when a rotated
// token is replayed, keeps one Session per user and client, and records the
// user-switch audit trail.
//
// The Server is transport agnostic: the root package maps its *Error values
// onto OAuth error responses. Every token state transition is a single
// conditional update in the storage backend, so several Server instances can
// share one store.
//
// Example usage:
//
//	store := memory.New()
//	clients, _ := registry.New(store, logger)
//	signer, _ := keys.New(store, encryptor, keys.Config{}, logger)
//
//	config := server.DefaultConfig()
//	config.Issuer = "https://sso.example.com"
//
//	srv, err := server.New(store, store, clients, signer, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
