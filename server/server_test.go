package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/keys"
	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
	"github.com/giantswarm/sso-core/storage/memory"
)

const (
	testIssuer               = "https://sso.example.com"
	testPublicClientID       = "public-app"
	testConfidentialClientID = "backend-app"
	testClientSecret         = "backend-secret-value"
	testUserID               = "user-123"
	testOtherUserID          = "user-456"
	testIP                   = "192.0.2.10"
	testUserAgent            = "Mozilla/5.0 (test)"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	clock *testutil.MockTime
}

func setupTestServer(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	// The cleanup loop runs on the wall clock; keep it away from mock time
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	for _, c := range []*storage.Client{
		testutil.NewPublicClient(testPublicClientID),
		testutil.NewConfidentialClient(testConfidentialClientID, testClientSecret),
	} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := registry.New(store, nil)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	if err := clients.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	signer, err := keys.New(store, nil, keys.Config{}, nil)
	if err != nil {
		t.Fatalf("keys.New() error = %v", err)
	}
	if err := signer.EnsureActive(ctx); err != nil {
		t.Fatalf("EnsureActive() error = %v", err)
	}

	config := DefaultConfig()
	config.Issuer = testIssuer
	for _, m := range mutate {
		m(&config)
	}

	srv, err := New(store, store, clients, signer, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	srv.SetEncryptor(enc)

	clock := testutil.NewMockTime(testutil.Epoch)
	srv.SetClock(clock.Now)

	return &testEnv{srv: srv, store: store, clock: clock}
}

// authorize runs a consented authorization request for the public client
// and returns the code and PKCE verifier.
func (e *testEnv) authorize(t *testing.T, userID, scope string) (code, verifier string) {
	t.Helper()
	challenge, verifier := testutil.GeneratePKCEPair()
	res, err := e.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testPublicClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               scope,
		State:               testutil.GenerateRandomString(32),
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               testutil.GenerateRandomString(16),
		Consented:           true,
		BrowserContext:      "browser-1",
		IPAddress:           testIP,
		UserAgent:           testUserAgent,
	}, &Identity{UserID: userID, AuthTime: e.clock.Now()})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	return res.Code, verifier
}

// issueTokens runs a full authorization code flow for the public client.
func (e *testEnv) issueTokens(t *testing.T, userID, scope string) *TokenResponse {
	t.Helper()
	code, verifier := e.authorize(t, userID, scope)
	resp, err := e.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
		ClientID:     testPublicClientID,
		IPAddress:    testIP,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return resp
}

func (e *testEnv) refresh(refreshToken string) (*TokenResponse, error) {
	return e.srv.RefreshAccessToken(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: refreshToken,
		ClientID:     testPublicClientID,
		IPAddress:    testIP,
	})
}

func assertErrorCode(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := ErrorCode(err); got != want {
		t.Fatalf("ErrorCode() = %q, want %q (error: %v)", got, want, err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	env := setupTestServer(t)
	config := DefaultConfig()
	config.Issuer = testIssuer

	tests := []struct {
		name    string
		build   func() (*Server, error)
		wantErr bool
	}{
		{
			name: "nil store",
			build: func() (*Server, error) {
				return New(nil, env.store, env.srv.clients, env.srv.keys, config, nil)
			},
			wantErr: true,
		},
		{
			name: "nil nonce store",
			build: func() (*Server, error) {
				return New(env.store, nil, env.srv.clients, env.srv.keys, config, nil)
			},
			wantErr: true,
		},
		{
			name: "nil registry",
			build: func() (*Server, error) {
				return New(env.store, env.store, nil, env.srv.keys, config, nil)
			},
			wantErr: true,
		},
		{
			name: "nil key manager",
			build: func() (*Server, error) {
				return New(env.store, env.store, env.srv.clients, nil, config, nil)
			},
			wantErr: true,
		},
		{
			name: "valid",
			build: func() (*Server, error) {
				return New(env.store, env.store, env.srv.clients, env.srv.keys, config, nil)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServer_ConfigIsImmutable(t *testing.T) {
	env := setupTestServer(t)

	cfg := env.srv.Config()
	cfg.RotationGraceSeconds = 9999
	cfg.Issuer = "https://evil.example.com"

	got := env.srv.Config()
	if got.RotationGraceSeconds != DefaultRotationGraceSeconds {
		t.Errorf("RotationGraceSeconds = %d, want %d", got.RotationGraceSeconds, DefaultRotationGraceSeconds)
	}
	if got.Issuer != testIssuer {
		t.Errorf("Issuer = %q, want %q", got.Issuer, testIssuer)
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "public client without secret", clientID: testPublicClientID, secret: "", wantErr: false},
		{name: "public client with secret", clientID: testPublicClientID, secret: "anything", wantErr: true},
		{name: "confidential client", clientID: testConfidentialClientID, secret: testClientSecret, wantErr: false},
		{name: "wrong secret", clientID: testConfidentialClientID, secret: "wrong", wantErr: true},
		{name: "unknown client", clientID: "nope", secret: "", wantErr: true},
		{name: "empty client ID", clientID: "", secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.AuthenticateClient(ctx, tt.clientID, tt.secret, testIP)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AuthenticateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && ErrorCode(err) != ErrorCodeInvalidClient {
				t.Errorf("ErrorCode() = %q, want %q", ErrorCode(err), ErrorCodeInvalidClient)
			}
		})
	}
}

func TestServer_TokenDispatch(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.srv.Token(ctx, TokenRequest{GrantType: "password", ClientID: testPublicClientID})
	assertErrorCode(t, err, ErrorCodeUnsupportedGrantType)

	_, err = env.srv.Token(ctx, TokenRequest{ClientID: testPublicClientID})
	assertErrorCode(t, err, ErrorCodeInvalidRequest)
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(errors.New("boom")); got != ErrorCodeServerError {
		t.Errorf("ErrorCode(plain) = %q, want %q", got, ErrorCodeServerError)
	}
	wrapped := invalidGrant(ErrReplayDetected)
	if got := ErrorCode(wrapped); got != ErrorCodeInvalidGrant {
		t.Errorf("ErrorCode(replay) = %q, want %q", got, ErrorCodeInvalidGrant)
	}
	if !errors.Is(wrapped, ErrReplayDetected) {
		t.Error("replay error should wrap ErrReplayDetected")
	}
}
