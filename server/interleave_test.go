package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// hookStore runs a hook around the atomic redemption and rotation calls so
// that tests can interleave other operations with an in-flight grant. Each
// hook fires once.
type hookStore struct {
	storage.Store

	mu           sync.Mutex
	beforeRedeem func()
	afterRedeem  func()
	beforeRotate func()
}

func (h *hookStore) take(hook *func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn := *hook
	*hook = nil
	return fn
}

func (h *hookStore) RedeemAuthorizationCode(ctx context.Context, codeHash string, redemption storage.Redemption) (*storage.AuthorizationCode, error) {
	if fn := h.take(&h.beforeRedeem); fn != nil {
		fn()
	}
	code, err := h.Store.RedeemAuthorizationCode(ctx, codeHash, redemption)
	if fn := h.take(&h.afterRedeem); fn != nil {
		fn()
	}
	return code, err
}

func (h *hookStore) RotateRefreshToken(ctx context.Context, parentHash string, rotation storage.Rotation) error {
	if fn := h.take(&h.beforeRotate); fn != nil {
		fn()
	}
	return h.Store.RotateRefreshToken(ctx, parentHash, rotation)
}

// withHooks returns a server sharing the environment's clients, keys and
// clock whose token store is wrapped in a hookStore.
func (e *testEnv) withHooks(t *testing.T) (*Server, *hookStore) {
	t.Helper()
	hooks := &hookStore{Store: e.store}
	srv, err := New(hooks, e.store, e.srv.Clients(), e.srv.Keys(), e.srv.Config(), nil)
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
	srv.SetClock(e.clock.Now)
	return srv, hooks
}

// batchLogout does what a batch revocation unit does for one user: terminate
// the sessions, then revoke their tokens.
func (e *testEnv) batchLogout(t *testing.T, userID string, terminateOnly bool) storage.RevocationCounts {
	t.Helper()
	ctx := context.Background()
	sess, err := e.store.GetSession(ctx, userID, testPublicClientID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if _, err := e.store.TerminateSessions(ctx, []string{sess.ID}, e.clock.Now()); err != nil {
		t.Fatalf("TerminateSessions() error = %v", err)
	}
	if terminateOnly {
		return storage.RevocationCounts{}
	}
	counts, err := e.store.RevokeTokens(ctx, storage.TokenFilter{
		UserID:     userID,
		SessionIDs: []string{sess.ID},
	}, "batch_logout", e.clock.Now())
	if err != nil {
		t.Fatalf("RevokeTokens() error = %v", err)
	}
	return counts
}

func (e *testEnv) assertSessionTerminated(t *testing.T, userID string) {
	t.Helper()
	sess, err := e.store.GetSession(context.Background(), userID, testPublicClientID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Live() {
		t.Fatal("session was revived by a grant that raced its termination")
	}
}

func codeRequest(code, verifier string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
		ClientID:     testPublicClientID,
		IPAddress:    testIP,
	}
}

func TestServer_ExchangeAuthorizationCode_BatchLogoutBeforeRedeem(t *testing.T) {
	env := setupTestServer(t)
	srv, hooks := env.withHooks(t)
	ctx := context.Background()

	code, verifier := env.authorize(t, testUserID, "openid offline_access")
	hooks.beforeRedeem = func() { env.batchLogout(t, testUserID, false) }

	_, err := srv.ExchangeAuthorizationCode(ctx, codeRequest(code, verifier))
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	env.assertSessionTerminated(t, testUserID)

	// Nothing was stored for the terminated session, so a second sweep
	// finds no live token.
	if counts := env.batchLogout(t, testUserID, false); counts.AccessTokens != 0 || counts.RefreshTokens != 0 {
		t.Fatalf("live tokens after batch logout = %+v, want none", counts)
	}
}

func TestServer_ExchangeAuthorizationCode_BatchLogoutAfterRedeem(t *testing.T) {
	env := setupTestServer(t)
	srv, hooks := env.withHooks(t)
	ctx := context.Background()

	code, verifier := env.authorize(t, testUserID, "openid offline_access")
	var counts storage.RevocationCounts
	hooks.afterRedeem = func() { counts = env.batchLogout(t, testUserID, false) }

	resp, err := srv.ExchangeAuthorizationCode(ctx, codeRequest(code, verifier))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if counts.AccessTokens != 1 || counts.RefreshTokens != 1 {
		t.Fatalf("batch logout revoked %+v, want the redeemed pair", counts)
	}

	if _, err := env.srv.ValidateAccessToken(ctx, resp.AccessToken); err == nil {
		t.Error("access token minted during a batch logout should be revoked")
	}
	env.clock.Advance(time.Minute)
	_, err = env.refresh(resp.RefreshToken)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	env.assertSessionTerminated(t, testUserID)
}

func TestServer_ExchangeAuthorizationCode_ReplayDuringRedemption(t *testing.T) {
	t.Run("replay lands after the redeem", func(t *testing.T) {
		env := setupTestServer(t)
		srv, hooks := env.withHooks(t)
		ctx := context.Background()

		code, verifier := env.authorize(t, testUserID, "openid offline_access")
		req := codeRequest(code, verifier)
		var replayErr error
		hooks.afterRedeem = func() {
			_, replayErr = srv.ExchangeAuthorizationCode(ctx, req)
		}

		resp, err := srv.ExchangeAuthorizationCode(ctx, req)
		if err != nil {
			t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
		}
		if !errors.Is(replayErr, ErrReplayDetected) {
			t.Fatalf("replay error = %v, want ErrReplayDetected", replayErr)
		}

		if _, err := env.srv.ValidateAccessToken(ctx, resp.AccessToken); err == nil {
			t.Error("replay should revoke the access token of the in-flight redemption")
		}
		rt, err := env.store.GetRefreshToken(ctx, storage.HashToken(resp.RefreshToken))
		if err != nil {
			t.Fatalf("GetRefreshToken() error = %v", err)
		}
		if rt.Status != storage.RefreshTokenRevoked {
			t.Errorf("refresh token status = %s, want revoked", rt.Status)
		}
	})

	t.Run("replay wins the redeem", func(t *testing.T) {
		env := setupTestServer(t)
		srv, hooks := env.withHooks(t)
		ctx := context.Background()

		code, verifier := env.authorize(t, testUserID, "openid offline_access")
		req := codeRequest(code, verifier)
		var (
			winner    *TokenResponse
			winnerErr error
		)
		hooks.beforeRedeem = func() {
			winner, winnerErr = srv.ExchangeAuthorizationCode(ctx, req)
		}

		_, err := srv.ExchangeAuthorizationCode(ctx, req)
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
		if !errors.Is(err, ErrReplayDetected) {
			t.Fatalf("error should wrap ErrReplayDetected: %v", err)
		}
		if winnerErr != nil {
			t.Fatalf("first redemption error = %v", winnerErr)
		}

		if _, err := env.srv.ValidateAccessToken(ctx, winner.AccessToken); err == nil {
			t.Error("tokens of the winning redemption should be revoked by the replay")
		}
		env.clock.Advance(time.Minute)
		_, err = env.refresh(winner.RefreshToken)
		assertErrorCode(t, err, ErrorCodeInvalidGrant)
	})
}

func TestServer_RefreshAccessToken_SessionTerminatedDuringRotation(t *testing.T) {
	env := setupTestServer(t)
	srv, hooks := env.withHooks(t)
	ctx := context.Background()

	issued := env.issueTokens(t, testUserID, "openid offline_access")
	env.clock.Advance(time.Minute)
	hooks.beforeRotate = func() { env.batchLogout(t, testUserID, true) }

	_, err := srv.RefreshAccessToken(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: issued.RefreshToken,
		ClientID:     testPublicClientID,
		IPAddress:    testIP,
	})
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
	env.assertSessionTerminated(t, testUserID)

	// The parent was left as it was, so the revocation that follows the
	// termination still catches it.
	counts := env.batchLogout(t, testUserID, false)
	if counts.RefreshTokens != 1 {
		t.Fatalf("refresh tokens revoked = %d, want only the parent", counts.RefreshTokens)
	}
	_, err = env.refresh(issued.RefreshToken)
	assertErrorCode(t, err, ErrorCodeInvalidGrant)
}
