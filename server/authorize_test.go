package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/storage"
)

func validAuthorizationRequest() AuthorizationRequest {
	challenge, _ := testutil.GeneratePKCEPair()
	return AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testPublicClientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               "openid profile",
		State:               "state-abc",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Nonce:               testutil.GenerateRandomString(16),
		Consented:           true,
		BrowserContext:      "browser-1",
		IPAddress:           testIP,
		UserAgent:           testUserAgent,
	}
}

func TestServer_Authorize_Validation(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	identity := &Identity{UserID: testUserID, AuthTime: testutil.Epoch}

	tests := []struct {
		name             string
		mutate           func(*AuthorizationRequest)
		wantCode         string
		wantRedirectable bool
	}{
		{
			name:             "unknown client",
			mutate:           func(r *AuthorizationRequest) { r.ClientID = "unknown" },
			wantCode:         ErrorCodeInvalidClient,
			wantRedirectable: false,
		},
		{
			name:             "redirect URI mismatch is never redirected",
			mutate:           func(r *AuthorizationRequest) { r.RedirectURI = "https://attacker.example.com/callback" },
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: false,
		},
		{
			name:             "redirect URI prefix is not a match",
			mutate:           func(r *AuthorizationRequest) { r.RedirectURI = testutil.TestRedirectURI + "/extra" },
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: false,
		},
		{
			name:             "unsupported response type",
			mutate:           func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode:         ErrorCodeUnsupportedResponseType,
			wantRedirectable: true,
		},
		{
			name:             "scope outside the client's scopes",
			mutate:           func(r *AuthorizationRequest) { r.Scope = "openid admin" },
			wantCode:         ErrorCodeInvalidScope,
			wantRedirectable: true,
		},
		{
			name: "public client without PKCE",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = ""
				r.CodeChallengeMethod = ""
			},
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
		{
			name:             "plain PKCE is not allowed",
			mutate:           func(r *AuthorizationRequest) { r.CodeChallengeMethod = PKCEMethodPlain },
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
		{
			name:             "malformed S256 challenge",
			mutate:           func(r *AuthorizationRequest) { r.CodeChallenge = "short" },
			wantCode:         ErrorCodeInvalidRequest,
			wantRedirectable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizationRequest()
			tt.mutate(&req)

			_, err := env.srv.Authorize(ctx, req, identity)
			assertErrorCode(t, err, tt.wantCode)

			var oauthErr *Error
			if !errors.As(err, &oauthErr) {
				t.Fatalf("error is %T, want *Error", err)
			}
			if oauthErr.Redirectable() != tt.wantRedirectable {
				t.Errorf("Redirectable() = %v, want %v", oauthErr.Redirectable(), tt.wantRedirectable)
			}
			if tt.wantRedirectable && oauthErr.State != req.State {
				t.Errorf("State = %q, want %q", oauthErr.State, req.State)
			}
		})
	}
}

func TestServer_Authorize_InactiveClient(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	if err := env.srv.Clients().Deactivate(ctx, testPublicClientID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	_, err := env.srv.Authorize(ctx, validAuthorizationRequest(), &Identity{UserID: testUserID, AuthTime: testutil.Epoch})
	assertErrorCode(t, err, ErrorCodeUnauthorizedClient)
}

func TestServer_Authorize_LoginRequired(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	t.Run("no identity", func(t *testing.T) {
		req := validAuthorizationRequest()
		_, err := env.srv.Authorize(ctx, req, nil)
		assertErrorCode(t, err, ErrorCodeLoginRequired)
		if !errors.Is(err, ErrAuthenticationRequired) {
			t.Fatalf("error should wrap ErrAuthenticationRequired: %v", err)
		}

		var oauthErr *Error
		errors.As(err, &oauthErr)
		if oauthErr.Pending == nil {
			t.Fatal("Pending should carry the original request")
		}
		if oauthErr.Pending.State != req.State || oauthErr.Pending.CodeChallenge != req.CodeChallenge {
			t.Errorf("Pending = %+v, want the original request", oauthErr.Pending)
		}
	})

	t.Run("auth_time older than max_age", func(t *testing.T) {
		req := validAuthorizationRequest()
		req.MaxAge = 60
		identity := &Identity{UserID: testUserID, AuthTime: env.clock.Now().Add(-2 * time.Minute)}
		_, err := env.srv.Authorize(ctx, req, identity)
		assertErrorCode(t, err, ErrorCodeLoginRequired)
	})

	t.Run("auth_time within max_age", func(t *testing.T) {
		req := validAuthorizationRequest()
		req.MaxAge = 600
		identity := &Identity{UserID: testUserID, AuthTime: env.clock.Now().Add(-2 * time.Minute)}
		if _, err := env.srv.Authorize(ctx, req, identity); err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
	})
}

func TestServer_Authorize_Consent(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	identity := &Identity{UserID: testUserID, AuthTime: testutil.Epoch}

	req := validAuthorizationRequest()
	req.Consented = false
	_, err := env.srv.Authorize(ctx, req, identity)
	assertErrorCode(t, err, ErrorCodeConsentRequired)
	if !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("error should wrap ErrConsentRequired: %v", err)
	}

	// Consent creates the session
	req = validAuthorizationRequest()
	res, err := env.srv.Authorize(ctx, req, identity)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if res.AutoApproved {
		t.Error("first authorization should not be auto-approved")
	}

	// A live session covering the scope is approved without asking again
	req = validAuthorizationRequest()
	req.Consented = false
	req.Scope = "openid"
	res, err = env.srv.Authorize(ctx, req, identity)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !res.AutoApproved {
		t.Error("covered scope should be auto-approved")
	}

	// A wider scope needs consent again
	req = validAuthorizationRequest()
	req.Consented = false
	req.Scope = "openid email"
	_, err = env.srv.Authorize(ctx, req, identity)
	assertErrorCode(t, err, ErrorCodeConsentRequired)
}

func TestServer_Authorize_TrustedClientAutoApproves(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	trusted := testutil.NewPublicClient("trusted-app")
	trusted.Trusted = true
	if err := env.store.SaveClient(ctx, trusted); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := env.srv.Clients().Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	req := validAuthorizationRequest()
	req.ClientID = "trusted-app"
	req.Consented = false
	res, err := env.srv.Authorize(ctx, req, &Identity{UserID: testUserID, AuthTime: testutil.Epoch})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !res.AutoApproved {
		t.Error("trusted client should be auto-approved")
	}
}

func TestServer_Authorize_Success(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req := validAuthorizationRequest()
	req.Scope = ""
	res, err := env.srv.Authorize(ctx, req, &Identity{UserID: testUserID, AuthTime: testutil.Epoch})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if res.Code == "" {
		t.Fatal("Code is empty")
	}
	if res.State != req.State {
		t.Errorf("State = %q, want %q", res.State, req.State)
	}
	if res.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q, want %q", res.RedirectURI, testutil.TestRedirectURI)
	}
	// Empty scope defaults to everything the client may request
	if res.Scope != "openid profile email offline_access" {
		t.Errorf("Scope = %q, want the client's full scope set", res.Scope)
	}

	code, err := env.store.GetAuthorizationCode(ctx, storage.HashToken(res.Code))
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if code.UserID != testUserID || code.ClientID != testPublicClientID {
		t.Errorf("stored code = %+v", code)
	}
	if !code.ExpiresAt.Equal(env.clock.Now().Add(DefaultAuthorizationCodeTTL * time.Second)) {
		t.Errorf("ExpiresAt = %v, want now + code TTL", code.ExpiresAt)
	}
	if code.SessionID != res.SessionID {
		t.Errorf("SessionID = %q, want %q", code.SessionID, res.SessionID)
	}
}

func TestServer_Authorize_DefaultRedirectURI(t *testing.T) {
	env := setupTestServer(t)

	req := validAuthorizationRequest()
	req.RedirectURI = ""
	res, err := env.srv.Authorize(context.Background(), req, &Identity{UserID: testUserID, AuthTime: testutil.Epoch})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if res.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q, want the single registered URI", res.RedirectURI)
	}
}

func TestServer_Authorize_NonceAndChallengeSingleUse(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	identity := &Identity{UserID: testUserID, AuthTime: testutil.Epoch}

	first := validAuthorizationRequest()
	if _, err := env.srv.Authorize(ctx, first, identity); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	t.Run("nonce replay", func(t *testing.T) {
		req := validAuthorizationRequest()
		req.Nonce = first.Nonce
		_, err := env.srv.Authorize(ctx, req, identity)
		assertErrorCode(t, err, ErrorCodeInvalidRequest)
		if !errors.Is(err, storage.ErrNonceReplayed) {
			t.Errorf("error should wrap ErrNonceReplayed: %v", err)
		}
	})

	t.Run("challenge replay", func(t *testing.T) {
		req := validAuthorizationRequest()
		req.CodeChallenge = first.CodeChallenge
		_, err := env.srv.Authorize(ctx, req, identity)
		assertErrorCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("nonce usable again after the code lifetime", func(t *testing.T) {
		env.clock.Advance(DefaultAuthorizationCodeTTL*time.Second + time.Second)
		req := validAuthorizationRequest()
		req.Nonce = first.Nonce
		if _, err := env.srv.Authorize(ctx, req, &Identity{UserID: testUserID, AuthTime: env.clock.Now()}); err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
	})
}
