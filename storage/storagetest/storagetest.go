// Package storagetest holds a behavioural test suite shared by every
// storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/storage"
)

// Backend is what a storage implementation under test provides.
type Backend interface {
	storage.Store
	storage.NonceStore
}

// Factory returns a fresh, empty backend. It registers its own cleanup.
type Factory func(t *testing.T) Backend

var epoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testCodes(t, newStore(t)) })
	t.Run("RedemptionAfterTermination", func(t *testing.T) { testRedemptionAfterTermination(t, newStore(t)) })
	t.Run("ConcurrentCodeConsumption", func(t *testing.T) { testConcurrentCodeConsumption(t, newStore(t)) })
	t.Run("AccessTokens", func(t *testing.T) { testAccessTokens(t, newStore(t)) })
	t.Run("RefreshRotation", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("RotationAfterTermination", func(t *testing.T) { testRotationAfterTermination(t, newStore(t)) })
	t.Run("ConcurrentRotation", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
	t.Run("TransitionRefreshToken", func(t *testing.T) { testTransitionRefreshToken(t, newStore(t)) })
	t.Run("BulkRevocation", func(t *testing.T) { testBulkRevocation(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("UserSwitches", func(t *testing.T) { testUserSwitches(t, newStore(t)) })
	t.Run("SigningKeys", func(t *testing.T) { testSigningKeys(t, newStore(t)) })
	t.Run("Nonces", func(t *testing.T) { testNonces(t, newStore(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore(t)) })
	t.Run("AffectedUsers", func(t *testing.T) { testAffectedUsers(t, newStore(t)) })
}

func testClients(t *testing.T, s Backend) {
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "client-a",
		ClientName:   "Client A",
		RedirectURIs: []string{"https://a.example.com/cb"},
		Scopes:       []string{"openid", "email"},
		Active:       true,
		Trusted:      true,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
	require.NoError(t, s.SaveClient(ctx, client))
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "client-b", Active: true, Service: true}))

	got, err := s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "Client A", got.ClientName)
	assert.Equal(t, []string{"https://a.example.com/cb"}, got.RedirectURIs)
	assert.Equal(t, []string{"openid", "email"}, got.Scopes)
	assert.True(t, got.Trusted)

	// Returned values must not alias stored state
	got.Scopes[0] = "mutated"
	again, err := s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "openid", again.Scopes[0])

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeactivateClient(ctx, "client-a", epoch.Add(time.Hour)))
	got, err = s.GetClient(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	assert.ErrorIs(t, s.DeactivateClient(ctx, "missing", epoch), storage.ErrClientNotFound)
}

// liveSession creates the session alice holds on client-a.
func liveSession(t *testing.T, s Backend) *storage.Session {
	t.Helper()
	sess, err := s.UpsertSession(context.Background(), storage.SessionGrant{
		UserID: "alice", ClientID: "client-a", Scopes: []string{"openid"}, At: epoch,
	})
	require.NoError(t, err)
	return sess
}

func newCode(hash, sessionID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:            hash,
		ClientID:            "client-a",
		UserID:              "alice",
		SessionID:           sessionID,
		RedirectURI:         "https://a.example.com/cb",
		Scope:               "openid",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           epoch,
		ExpiresAt:           epoch.Add(10 * time.Minute),
	}
}

func redemption(suffix, sessionID string, at time.Time) storage.Redemption {
	access := newAccess("at-"+suffix, "alice", "client-a")
	access.SessionID = sessionID
	refresh := newRefresh("rt-"+suffix, "alice", "client-a")
	refresh.SessionID = sessionID
	return storage.Redemption{
		Access:    access,
		Refresh:   refresh,
		IPAddress: "10.0.0.2",
		UserAgent: "redeem-agent",
		At:        at,
	}
}

func testCodes(t *testing.T, s Backend) {
	ctx := context.Background()
	sess := liveSession(t, s)

	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("code-1", sess.ID)))
	assert.Error(t, s.SaveAuthorizationCode(ctx, newCode("code-1", sess.ID)), "duplicate code hash must be rejected")

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.False(t, got.Used())
	assert.Equal(t, "S256", got.CodeChallengeMethod)

	at := epoch.Add(time.Minute)
	redeemed, err := s.RedeemAuthorizationCode(ctx, "code-1", redemption("first", sess.ID, at))
	require.NoError(t, err)
	assert.True(t, redeemed.UsedAt.Equal(at))
	assert.Equal(t, "at-first", redeemed.IssuedAccessTokenHash)
	assert.Equal(t, "rt-first", redeemed.IssuedRefreshTokenHash)

	_, err = s.GetAccessToken(ctx, "at-first")
	require.NoError(t, err, "redemption must store the access token")
	_, err = s.GetRefreshToken(ctx, "rt-first")
	require.NoError(t, err, "redemption must store the refresh token")

	touched, err := s.GetSession(ctx, "alice", "client-a")
	require.NoError(t, err)
	assert.True(t, touched.LastUsedAt.Equal(at))
	assert.Equal(t, "10.0.0.2", touched.IPAddress)

	// Second redemption reports the code and the linked tokens, and stores nothing
	again, err := s.RedeemAuthorizationCode(ctx, "code-1", redemption("second", sess.ID, epoch.Add(2*time.Minute)))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	require.NotNil(t, again)
	assert.Equal(t, "at-first", again.IssuedAccessTokenHash)
	assert.Equal(t, "rt-first", again.IssuedRefreshTokenHash)
	_, err = s.GetAccessToken(ctx, "at-second")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	// Expired codes are not redeemed
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("code-2", sess.ID)))
	_, err = s.RedeemAuthorizationCode(ctx, "code-2", redemption("expired", sess.ID, epoch.Add(10*time.Minute)))
	assert.ErrorIs(t, err, storage.ErrTokenExpired)
	got, err = s.GetAuthorizationCode(ctx, "code-2")
	require.NoError(t, err)
	assert.False(t, got.Used(), "expired code must stay unused")
	_, err = s.GetRefreshToken(ctx, "rt-expired")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = s.GetAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.RedeemAuthorizationCode(ctx, "missing", redemption("missing", sess.ID, epoch))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testRedemptionAfterTermination(t *testing.T, s Backend) {
	ctx := context.Background()
	sess := liveSession(t, s)

	code := newCode("code-t", sess.ID)
	code.ExpiresAt = epoch.Add(3 * time.Hour)
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	_, err := s.TerminateSessions(ctx, []string{sess.ID}, epoch.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.RedeemAuthorizationCode(ctx, "code-t", redemption("terminated", sess.ID, epoch.Add(2*time.Minute)))
	assert.ErrorIs(t, err, storage.ErrSessionTerminated)

	got, err := s.GetAuthorizationCode(ctx, "code-t")
	require.NoError(t, err)
	assert.False(t, got.Used(), "a rejected redemption commits nothing")
	_, err = s.GetAccessToken(ctx, "at-terminated")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetRefreshToken(ctx, "rt-terminated")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	after, err := s.GetSession(ctx, "alice", "client-a")
	require.NoError(t, err)
	assert.False(t, after.Live(), "redemption must not revive the session")

	// A new authorization revives the session, but codes from before stay dead
	revived, err := s.UpsertSession(ctx, storage.SessionGrant{UserID: "alice", ClientID: "client-a", Scopes: []string{"openid"}, At: epoch.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, sess.ID, revived.ID)

	_, err = s.RedeemAuthorizationCode(ctx, "code-t", redemption("revived", sess.ID, epoch.Add(2*time.Hour)))
	assert.ErrorIs(t, err, storage.ErrSessionTerminated)
}

func testConcurrentCodeConsumption(t *testing.T, s Backend) {
	ctx := context.Background()
	sess := liveSession(t, s)
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("race", sess.ID)))

	const workers = 16
	var wins, used, linked atomic.Int32
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := s.RedeemAuthorizationCode(ctx, "race", redemption(fmt.Sprintf("race-%d", i), sess.ID, epoch.Add(time.Second)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				used.Add(1)
				if code != nil && code.IssuedRefreshTokenHash != "" {
					linked.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one redemption must win")
	assert.Equal(t, int32(workers-1), used.Load())
	assert.Equal(t, int32(workers-1), linked.Load(), "every loser must see the winner's tokens")

	stored := 0
	for i := range workers {
		if _, err := s.GetRefreshToken(ctx, fmt.Sprintf("rt-race-%d", i)); err == nil {
			stored++
		}
	}
	assert.Equal(t, 1, stored, "only the winner's tokens are stored")
}

func newAccess(hash, user, client string) *storage.AccessToken {
	return &storage.AccessToken{
		TokenHash: hash,
		ClientID:  client,
		UserID:    user,
		Scope:     "openid",
		IssuedAt:  epoch,
		ExpiresAt: epoch.Add(time.Hour),
	}
}

func newRefresh(hash, user, client string) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash: hash,
		ClientID:  client,
		UserID:    user,
		Scope:     "openid offline_access",
		Status:    storage.RefreshTokenActive,
		IssuedAt:  epoch,
		ExpiresAt: epoch.Add(24 * time.Hour),
	}
}

func testAccessTokens(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.SaveAccessToken(ctx, newAccess("at-1", "alice", "client-a")))

	got, err := s.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.True(t, got.Live(epoch.Add(time.Minute)))
	assert.False(t, got.Live(epoch.Add(time.Hour)), "token is not live at its expiry instant")

	revoked, err := s.RevokeAccessToken(ctx, "at-1", "user_logout", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.RevokeAccessToken(ctx, "at-1", "user_logout", epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, revoked, "second revocation is a no-op")

	got, err = s.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.Equal(t, "user_logout", got.RevocationReason)
	assert.True(t, got.RevokedAt.Equal(epoch.Add(time.Minute)))

	revoked, err = s.RevokeAccessToken(ctx, "missing", "x", epoch)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = s.GetAccessToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func rotationFor(parent, child string, at time.Time) storage.Rotation {
	c := newRefresh(child, "alice", "client-a")
	c.ParentTokenHash = parent
	c.RotationCount = 1
	c.IssuedAt = at
	return storage.Rotation{
		Child:          c,
		ChildAccess:    newAccess("at-"+child, "alice", "client-a"),
		GraceExpiresAt: at.Add(30 * time.Second),
		ReplayEnvelope: "envelope-" + child,
		IPAddress:      "10.0.0.1",
		UserAgent:      "test-agent",
		At:             at,
	}
}

// sessionRefresh returns an active refresh token of alice's live session.
func sessionRefresh(hash string, sess *storage.Session) *storage.RefreshToken {
	rt := newRefresh(hash, "alice", "client-a")
	rt.SessionID = sess.ID
	return rt
}

func testRefreshRotation(t *testing.T, s Backend) {
	ctx := context.Background()
	at := epoch.Add(time.Minute)
	sess := liveSession(t, s)

	require.NoError(t, s.SaveRefreshToken(ctx, sessionRefresh("rt-0", sess)))
	require.NoError(t, s.RotateRefreshToken(ctx, "rt-0", rotationFor("rt-0", "rt-1", at)))

	touched, err := s.GetSession(ctx, "alice", "client-a")
	require.NoError(t, err)
	assert.True(t, touched.LastUsedAt.Equal(at), "rotation records the session use")

	parent, err := s.GetRefreshToken(ctx, "rt-0")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenRotating, parent.Status)
	assert.Equal(t, "rt-1", parent.ChildTokenHash)
	assert.Equal(t, "envelope-rt-1", parent.ReplayEnvelope)
	assert.True(t, parent.GraceExpiresAt.Equal(at.Add(30*time.Second)))
	assert.True(t, parent.LastUsedAt.Equal(at))
	assert.Equal(t, "10.0.0.1", parent.IPAddress)

	child, err := s.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenActive, child.Status)
	assert.Equal(t, "rt-0", child.ParentTokenHash)
	assert.Equal(t, 1, child.RotationCount)

	_, err = s.GetAccessToken(ctx, "at-rt-1")
	require.NoError(t, err, "rotation must store the child access token")

	children, err := s.ListRefreshTokensByParent(ctx, "rt-0")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "rt-1", children[0].TokenHash)

	// A rotating token cannot be rotated again
	err = s.RotateRefreshToken(ctx, "rt-0", rotationFor("rt-0", "rt-x", at))
	assert.ErrorIs(t, err, storage.ErrStatusConflict)
	_, err = s.GetRefreshToken(ctx, "rt-x")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "losing rotation must not insert its child")

	err = s.RotateRefreshToken(ctx, "missing", rotationFor("missing", "rt-y", at))
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testConcurrentRotation(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.SaveRefreshToken(ctx, sessionRefresh("rt-race", liveSession(t, s))))

	const workers = 12
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RotateRefreshToken(ctx, "rt-race", rotationFor("rt-race", fmt.Sprintf("rt-child-%d", i), epoch.Add(time.Minute)))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrStatusConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
	assert.Equal(t, int32(workers-1), conflicts.Load())

	children, err := s.ListRefreshTokensByParent(ctx, "rt-race")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func testRotationAfterTermination(t *testing.T, s Backend) {
	ctx := context.Background()
	sess := liveSession(t, s)
	require.NoError(t, s.SaveRefreshToken(ctx, sessionRefresh("rt-s", sess)))

	_, err := s.TerminateSessions(ctx, []string{sess.ID}, epoch.Add(time.Minute))
	require.NoError(t, err)

	err = s.RotateRefreshToken(ctx, "rt-s", rotationFor("rt-s", "rt-s1", epoch.Add(2*time.Minute)))
	assert.ErrorIs(t, err, storage.ErrSessionTerminated)

	parent, err := s.GetRefreshToken(ctx, "rt-s")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenActive, parent.Status, "a rejected rotation commits nothing")
	assert.Empty(t, parent.ReplayEnvelope)
	_, err = s.GetRefreshToken(ctx, "rt-s1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetAccessToken(ctx, "at-rt-s1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	after, err := s.GetSession(ctx, "alice", "client-a")
	require.NoError(t, err)
	assert.False(t, after.Live(), "rotation must not revive the session")
}

func testTransitionRefreshToken(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.SaveRefreshToken(ctx, sessionRefresh("rt-t", liveSession(t, s))))
	require.NoError(t, s.RotateRefreshToken(ctx, "rt-t", rotationFor("rt-t", "rt-t1", epoch)))

	// Wrong source status
	_, err := s.TransitionRefreshToken(ctx, "rt-t", []storage.RefreshTokenStatus{storage.RefreshTokenActive}, storage.RefreshTokenExpired, "", epoch)
	assert.ErrorIs(t, err, storage.ErrStatusConflict)

	got, err := s.TransitionRefreshToken(ctx, "rt-t",
		[]storage.RefreshTokenStatus{storage.RefreshTokenActive, storage.RefreshTokenRotating},
		storage.RefreshTokenRevoked, "family_revoked", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenRevoked, got.Status)
	assert.Equal(t, "family_revoked", got.RevocationReason)
	assert.Empty(t, got.ReplayEnvelope, "revocation clears the replay envelope")

	stored, err := s.GetRefreshToken(ctx, "rt-t")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenRevoked, stored.Status)
	assert.True(t, stored.RevokedAt.Equal(epoch.Add(time.Minute)))

	_, err = s.TransitionRefreshToken(ctx, "missing", []storage.RefreshTokenStatus{storage.RefreshTokenActive}, storage.RefreshTokenRevoked, "", epoch)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testBulkRevocation(t *testing.T, s Backend) {
	ctx := context.Background()

	seed := func(hash, user, client, session string, service bool, issued time.Time) {
		at := newAccess("at-"+hash, user, client)
		at.SessionID, at.Service, at.IssuedAt = session, service, issued
		at.BrowserContext = "browser-" + user
		rt := newRefresh("rt-"+hash, user, client)
		rt.SessionID, rt.Service, rt.IssuedAt = session, service, issued
		rt.BrowserContext = "browser-" + user
		require.NoError(t, s.SaveAccessToken(ctx, at))
		require.NoError(t, s.SaveRefreshToken(ctx, rt))
	}
	seed("a1", "alice", "client-a", "s-alice-a", false, epoch)
	seed("a2", "alice", "client-b", "s-alice-b", false, epoch.Add(time.Minute))
	seed("b1", "bob", "client-a", "s-bob-a", false, epoch)
	seed("svc", "alice", "client-svc", "s-alice-svc", true, epoch)

	now := epoch.Add(5 * time.Minute)

	counts, err := s.CountTokens(ctx, storage.TokenFilter{UserID: "alice"}, now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{AccessTokens: 3, RefreshTokens: 3}, counts)

	counts, err = s.CountTokens(ctx, storage.TokenFilter{UserID: "alice", ExcludeServiceTokens: true}, now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{AccessTokens: 2, RefreshTokens: 2}, counts)

	counts, err = s.CountTokens(ctx, storage.TokenFilter{IssuedBefore: epoch.Add(time.Minute)}, now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{AccessTokens: 3, RefreshTokens: 3}, counts)

	counts, err = s.CountTokens(ctx, storage.TokenFilter{SessionIDs: []string{"s-bob-a"}}, now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{AccessTokens: 1, RefreshTokens: 1}, counts)

	// Counting and revoking agree on the same filter
	filter := storage.TokenFilter{UserID: "alice", ExcludeServiceTokens: true}
	before, err := s.CountTokens(ctx, filter, now)
	require.NoError(t, err)
	revoked, err := s.RevokeTokens(ctx, filter, "admin_action", now)
	require.NoError(t, err)
	assert.Equal(t, before, revoked)

	again, err := s.RevokeTokens(ctx, filter, "admin_action", now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{}, again, "revocation is idempotent")

	svc, err := s.GetRefreshToken(ctx, "rt-svc")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenActive, svc.Status, "service token must be preserved")

	bob, err := s.GetAccessToken(ctx, "at-b1")
	require.NoError(t, err)
	assert.True(t, bob.Live(now))

	rt, err := s.GetRefreshToken(ctx, "rt-a1")
	require.NoError(t, err)
	assert.Equal(t, storage.RefreshTokenRevoked, rt.Status)
	assert.Equal(t, "admin_action", rt.RevocationReason)

	counts, err = s.RevokeTokens(ctx, storage.TokenFilter{BrowserContext: "browser-bob", ClientID: "client-a"}, "user_switch", now)
	require.NoError(t, err)
	assert.Equal(t, storage.RevocationCounts{AccessTokens: 1, RefreshTokens: 1}, counts)
}

func testSessions(t *testing.T, s Backend) {
	ctx := context.Background()

	sess, err := s.UpsertSession(ctx, storage.SessionGrant{
		UserID: "alice", ClientID: "client-a", Scopes: []string{"openid", "email"}, At: epoch,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, []string{"openid", "email"}, sess.Scopes)

	// Upsert unions scopes and keeps the identity of the session
	again, err := s.UpsertSession(ctx, storage.SessionGrant{
		UserID: "alice", ClientID: "client-a", Scopes: []string{"email", "profile"}, Admin: true, At: epoch.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, []string{"openid", "email", "profile"}, again.Scopes)
	assert.True(t, again.Admin)
	assert.True(t, again.CreatedAt.Equal(epoch))
	assert.True(t, again.LastUsedAt.Equal(epoch.Add(time.Minute)))

	_, err = s.UpsertSession(ctx, storage.SessionGrant{UserID: "bob", ClientID: "client-a", Scopes: []string{"openid"}, At: epoch})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "alice", "client-a")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = s.GetSession(ctx, "alice", "client-z")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListSessions(ctx, storage.SessionFilter{ClientID: "client-a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].UserID)
	assert.Equal(t, "bob", list[1].UserID)

	n, err := s.TerminateSessions(ctx, []string{sess.ID}, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.TerminateSessions(ctx, []string{sess.ID}, epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "terminating twice is a no-op")

	list, err = s.ListSessions(ctx, storage.SessionFilter{UserIDs: []string{"alice"}})
	require.NoError(t, err)
	assert.Empty(t, list)
	list, err = s.ListSessions(ctx, storage.SessionFilter{UserIDs: []string{"alice"}, IncludeTerminated: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// A new grant after termination starts from the new scopes only
	revived, err := s.UpsertSession(ctx, storage.SessionGrant{UserID: "alice", ClientID: "client-a", Scopes: []string{"openid"}, At: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, revived.Live())
	assert.Equal(t, []string{"openid"}, revived.Scopes)
}

func testUserSwitches(t *testing.T, s Backend) {
	ctx := context.Background()

	entries := []*storage.UserSwitchAuditEntry{
		{ClientID: "client-a", BrowserContext: "b1", NewUserID: "alice", SwitchType: storage.SwitchFirstLogin, RiskLevel: storage.RiskLow, CreatedAt: epoch},
		{ClientID: "client-a", BrowserContext: "b1", PreviousUserID: "alice", NewUserID: "bob", SwitchType: storage.SwitchUserChange, RiskLevel: storage.RiskHigh, RiskFactors: []string{"different_ip", "rapid_switch"}, AccessTokensRevoked: 2, RefreshTokensRevoked: 1, CreatedAt: epoch.Add(time.Minute)},
		{ClientID: "client-b", BrowserContext: "b1", NewUserID: "carol", SwitchType: storage.SwitchFirstLogin, RiskLevel: storage.RiskLow, CreatedAt: epoch.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, s.SaveUserSwitch(ctx, e))
	}

	last, err := s.LastUserSwitch(ctx, "client-a", "b1")
	require.NoError(t, err)
	assert.Equal(t, "bob", last.NewUserID)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, []string{"different_ip", "rapid_switch"}, last.RiskFactors)
	assert.Equal(t, 2, last.AccessTokensRevoked)

	_, err = s.LastUserSwitch(ctx, "client-a", "unknown-browser")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	high, err := s.ListUserSwitches(ctx, storage.UserSwitchFilter{MinRisk: storage.RiskHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, storage.SwitchUserChange, high[0].SwitchType)

	byUser, err := s.ListUserSwitches(ctx, storage.UserSwitchFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2, "user filter matches previous and new user")

	limited, err := s.ListUserSwitches(ctx, storage.UserSwitchFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "carol", limited[0].NewUserID, "entries are returned newest first")
}

func testSigningKeys(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKey{KeyID: "k1", Algorithm: "RS256", PrivateKeyPEM: "p1", PublicKeyPEM: "P1", Active: true, CreatedAt: epoch}))
	require.NoError(t, s.SaveSigningKey(ctx, &storage.SigningKey{KeyID: "k2", Algorithm: "RS256", PrivateKeyPEM: "p2", PublicKeyPEM: "P2", CreatedAt: epoch.Add(time.Hour)}))

	require.NoError(t, s.ActivateSigningKey(ctx, "k2", epoch.Add(2*time.Hour)))

	keys, err := s.ListSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "k2", keys[0].KeyID, "keys are listed newest first")
	assert.True(t, keys[0].Active)
	assert.False(t, keys[1].Active, "activation deactivates the previous key")
	assert.True(t, keys[1].RotatedAt.Equal(epoch.Add(2*time.Hour)))

	assert.ErrorIs(t, s.ActivateSigningKey(ctx, "missing", epoch), storage.ErrKeyNotFound)

	require.NoError(t, s.DeleteSigningKey(ctx, "k1"))
	keys, err = s.ListSigningKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func testNonces(t *testing.T, s Backend) {
	ctx := context.Background()
	n := &storage.Nonce{ValueHash: storage.HashToken("n-1"), ClientID: "client-a", ExpiresAt: epoch.Add(10 * time.Minute), UsedAt: epoch}

	require.NoError(t, s.ConsumeNonce(ctx, n))

	replay := *n
	replay.UsedAt = epoch.Add(time.Minute)
	assert.ErrorIs(t, s.ConsumeNonce(ctx, &replay), storage.ErrNonceReplayed)

	// Another value is independent
	other := *n
	other.ValueHash = storage.HashToken("n-2")
	assert.NoError(t, s.ConsumeNonce(ctx, &other))
}

func testJobs(t *testing.T, s Backend) {
	ctx := context.Background()

	mk := func(id string, priority int, created time.Time) *storage.BatchJob {
		return &storage.BatchJob{
			ID:         id,
			Type:       storage.JobTypeGroup,
			Status:     storage.JobPending,
			Initiator:  "admin",
			Reason:     "test",
			Conditions: storage.JobConditions{Group: "contractors", Notify: true},
			Priority:   priority,
			CreatedAt:  created,
		}
	}
	require.NoError(t, s.CreateJob(ctx, mk("job-low", 0, epoch)))
	require.NoError(t, s.CreateJob(ctx, mk("job-high", 10, epoch.Add(time.Minute))))
	require.NoError(t, s.CreateJob(ctx, mk("job-low-2", 0, epoch.Add(2*time.Minute))))
	assert.Error(t, s.CreateJob(ctx, mk("job-low", 0, epoch)), "duplicate job ID must be rejected")

	jobs, err := s.ListJobs(ctx, storage.JobFilter{Statuses: []storage.JobStatus{storage.JobPending}})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"job-high", "job-low", "job-low-2"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	assert.Equal(t, "contractors", jobs[0].Conditions.Group)
	assert.True(t, jobs[0].Conditions.Notify)

	started := epoch.Add(time.Hour)
	job, err := s.TransitionJob(ctx, "job-high", []storage.JobStatus{storage.JobPending}, storage.JobProcessing, storage.JobUpdate{At: started})
	require.NoError(t, err)
	assert.Equal(t, storage.JobProcessing, job.Status)
	assert.True(t, job.StartedAt.Equal(started))

	_, err = s.TransitionJob(ctx, "job-high", []storage.JobStatus{storage.JobPending}, storage.JobProcessing, storage.JobUpdate{At: started})
	assert.ErrorIs(t, err, storage.ErrStatusConflict, "a job can be claimed once")

	require.NoError(t, s.UpdateJobProgress(ctx, "job-high", 50, storage.JobStats{TotalUsers: 4, ProcessedUsers: 2}))
	require.NoError(t, s.UpdateJobProgress(ctx, "job-high", 25, storage.JobStats{TotalUsers: 4, ProcessedUsers: 1}))
	job, err = s.GetJob(ctx, "job-high")
	require.NoError(t, err)
	assert.Equal(t, 50, job.Progress, "progress never decreases")
	assert.Equal(t, 2, job.Stats.ProcessedUsers)

	// Same percentage, older statistics: ignored
	require.NoError(t, s.UpdateJobProgress(ctx, "job-high", 50, storage.JobStats{TotalUsers: 4, ProcessedUsers: 1}))
	job, err = s.GetJob(ctx, "job-high")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Stats.ProcessedUsers, "stale statistics must not overwrite newer ones")

	require.NoError(t, s.UpdateJobProgress(ctx, "job-high", 50, storage.JobStats{TotalUsers: 4, ProcessedUsers: 2, AffectedUsers: 1}))
	job, err = s.GetJob(ctx, "job-high")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Stats.AffectedUsers, "equal progress with current statistics is stored")

	stats := storage.JobStats{TotalUsers: 4, ProcessedUsers: 4, AffectedUsers: 3, AccessTokensRevoked: 7}
	job, err = s.TransitionJob(ctx, "job-high", []storage.JobStatus{storage.JobProcessing}, storage.JobCompleted, storage.JobUpdate{At: started.Add(time.Minute), Stats: &stats})
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 7, job.Stats.AccessTokensRevoked)
	assert.True(t, job.CompletedAt.Equal(started.Add(time.Minute)))

	job, err = s.TransitionJob(ctx, "job-low", []storage.JobStatus{storage.JobPending, storage.JobProcessing}, storage.JobFailed, storage.JobUpdate{At: started, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "boom", job.Error)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrJobNotFound)

	limited, err := s.ListJobs(ctx, storage.JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testAffectedUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, &storage.BatchJob{ID: "job-1", Type: storage.JobTypeClient, Status: storage.JobPending, CreatedAt: epoch}))

	require.NoError(t, s.SaveAffectedUser(ctx, &storage.AffectedUserRecord{JobID: "job-1", UserID: "bob", AccessTokensRevoked: 1, ProcessedAt: epoch}))
	require.NoError(t, s.SaveAffectedUser(ctx, &storage.AffectedUserRecord{JobID: "job-1", UserID: "alice", RefreshTokensRevoked: 2, Notified: true, ProcessedAt: epoch}))
	// Re-saving replaces the record
	require.NoError(t, s.SaveAffectedUser(ctx, &storage.AffectedUserRecord{JobID: "job-1", UserID: "bob", AccessTokensRevoked: 3, NotificationError: "smtp down", ProcessedAt: epoch}))

	records, err := s.ListAffectedUsers(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alice", records[0].UserID)
	assert.True(t, records[0].Notified)
	assert.Equal(t, 3, records[1].AccessTokensRevoked)
	assert.Equal(t, "smtp down", records[1].NotificationError)

	empty, err := s.ListAffectedUsers(ctx, "job-unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
