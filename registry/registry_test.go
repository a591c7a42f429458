package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/storage"
	"github.com/giantswarm/sso-core/storage/memory"
)

func newTestRegistry(t *testing.T, clients ...*storage.Client) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	for _, c := range clients {
		require.NoError(t, store.SaveClient(ctx, c))
	}

	r, err := New(store, nil)
	require.NoError(t, err)
	r.SetClock(testutil.NewMockTime(testutil.Epoch).Now)
	require.NoError(t, r.Reload(ctx))
	return r, store
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestRegistry_GetReturnsCopies(t *testing.T) {
	r, _ := newTestRegistry(t, testutil.NewPublicClient("web"))

	got, err := r.Get("web")
	require.NoError(t, err)
	got.RedirectURIs[0] = "https://evil.example.com/cb"

	again, err := r.Get("web")
	require.NoError(t, err)
	assert.Equal(t, testutil.TestRedirectURI, again.RedirectURIs[0])

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestRegistry_ReloadPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	require.NoError(t, store.SaveClient(ctx, testutil.NewPublicClient("late")))
	_, err := r.Get("late")
	assert.ErrorIs(t, err, storage.ErrClientNotFound, "cache is only refreshed by Reload")

	require.NoError(t, r.Reload(ctx))
	_, err = r.Get("late")
	assert.NoError(t, err)
	assert.Equal(t, testutil.Epoch, r.LoadedAt())
}

func TestRegistry_Authenticate(t *testing.T) {
	inactive := testutil.NewConfidentialClient("old", "s3cret")
	inactive.Active = false

	r, _ := newTestRegistry(t,
		testutil.NewConfidentialClient("backend", "s3cret"),
		testutil.NewPublicClient("spa"),
		inactive,
	)

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{name: "confidential with secret", clientID: "backend", secret: "s3cret"},
		{name: "confidential wrong secret", clientID: "backend", secret: "nope", wantErr: ErrInvalidClientCredentials},
		{name: "confidential without secret", clientID: "backend", wantErr: ErrInvalidClientCredentials},
		{name: "public without secret", clientID: "spa"},
		{name: "public with secret", clientID: "spa", secret: "x", wantErr: ErrInvalidClientCredentials},
		{name: "unknown client", clientID: "ghost", secret: "s3cret", wantErr: ErrInvalidClientCredentials},
		{name: "inactive client", clientID: "old", secret: "s3cret", wantErr: ErrClientInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := r.Authenticate(tt.clientID, tt.secret)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.clientID, client.ClientID)
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRegistry(t)

	client, secret, err := r.Register(ctx, Registration{
		ClientName:   "Reports",
		RedirectURIs: []string{"https://reports.example.com/callback"},
		Scopes:       []string{"openid", "read:profile"},
		Confidential: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, client.ClientID)
	assert.NotEmpty(t, secret)
	assert.True(t, client.Active)
	assert.NotEqual(t, secret, client.ClientSecretHash)

	stored, err := store.GetClient(ctx, client.ClientID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ClientSecretHash)

	authenticated, err := r.Authenticate(client.ClientID, secret)
	require.NoError(t, err, "registered client is visible without an explicit reload")
	assert.Equal(t, "Reports", authenticated.ClientName)

	_, _, err = r.Register(ctx, Registration{ClientID: client.ClientID, RedirectURIs: []string{"https://x.example.com/cb"}})
	assert.Error(t, err, "duplicate IDs are rejected")
}

func TestRegistry_RegisterPublicClientHasNoSecret(t *testing.T) {
	r, _ := newTestRegistry(t)

	client, secret, err := r.Register(context.Background(), Registration{
		ClientID:     "cli",
		RedirectURIs: []string{"http://127.0.0.1:8085/callback"},
		Secret:       "ignored",
	})
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.Empty(t, client.ClientSecretHash)
	assert.False(t, client.Confidential)
}

func TestRegistry_RegisterValidatesRedirectURIs(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, uris := range [][]string{
		nil,
		{"http://app.example.com/callback"},
		{"https://app.example.com/callback#frag"},
		{"javascript:alert(1)"},
	} {
		_, _, err := r.Register(ctx, Registration{RedirectURIs: uris})
		assert.Error(t, err, "redirect URIs %v", uris)
	}
}

func TestRegistry_Deactivate(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, testutil.NewConfidentialClient("backend", "s3cret"))

	require.NoError(t, r.Deactivate(ctx, "backend"))

	client, err := r.Get("backend")
	require.NoError(t, err, "deactivated clients stay in the catalog")
	assert.False(t, client.Active)

	_, err = r.Authenticate("backend", "s3cret")
	assert.ErrorIs(t, err, ErrClientInactive)

	assert.Error(t, r.Deactivate(ctx, "ghost"))
}

type failingClientStore struct {
	storage.ClientStore
	failures int
}

func (f *failingClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	return f.ClientStore.ListClients(ctx)
}

func TestRegistry_ReloadRetriesAndKeepsCatalogOnFailure(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	t.Cleanup(inner.Stop)
	require.NoError(t, inner.SaveClient(ctx, testutil.NewPublicClient("web")))

	flaky := &failingClientStore{ClientStore: inner, failures: 1}
	r, err := New(flaky, nil)
	require.NoError(t, err)
	require.NoError(t, r.Reload(ctx))

	flaky.failures = storeReadAttempts
	assert.Error(t, r.Reload(ctx))
	_, err = r.Get("web")
	assert.NoError(t, err, "failed reload keeps the previous catalog")
}

func TestRegistry_StartStopsWithContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestRedirectURIAllowed(t *testing.T) {
	client := testutil.NewPublicClient("web")
	assert.True(t, RedirectURIAllowed(client, testutil.TestRedirectURI))
	assert.False(t, RedirectURIAllowed(client, testutil.TestRedirectURI+"/"))
	assert.False(t, RedirectURIAllowed(client, "https://app.example.com/CALLBACK"))
}
