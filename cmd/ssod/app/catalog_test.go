package app

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/registry"
	"github.com/giantswarm/sso-core/storage/memory"
)

const testCatalog = `
clients:
  - id: grafana
    name: Grafana
    redirect_uris: [https://grafana.example.com/login/generic_oauth]
    scopes: [openid, profile, email]
    confidential: true
    secret_env: GRAFANA_CLIENT_SECRET
  - id: cli
    redirect_uris: [http://127.0.0.1:8085/callback]
    scopes: [openid]
users:
  - id: bob
    name: Bob Example
    email: bob@example.com
    email_verified: true
    groups: [engineering, oncall]
  - id: alice
    name: Alice Example
    username: alice
    groups: [engineering]
    admin: true
`

func TestParseCatalog(t *testing.T) {
	cat, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	require.Len(t, cat.Clients, 2)
	assert.Equal(t, "grafana", cat.Clients[0].ID)
	assert.True(t, cat.Clients[0].Confidential)
	assert.Equal(t, "GRAFANA_CLIENT_SECRET", cat.Clients[0].SecretEnv)
	assert.Equal(t, []string{"openid"}, cat.Clients[1].Scopes)
	require.Len(t, cat.Users, 2)
	assert.True(t, cat.Users[1].Admin)

	empty, err := parseCatalog(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Clients)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
	}{
		{"unknown key", "clients:\n  - id: web\n    redirect_uris: [https://a.example.com/cb]\n    secret: plain\n"},
		{"missing id", "clients:\n  - redirect_uris: [https://a.example.com/cb]\n"},
		{"duplicate client", "clients:\n  - id: web\n    redirect_uris: [https://a.example.com/cb]\n  - id: web\n    redirect_uris: [https://b.example.com/cb]\n"},
		{"no redirect URIs", "clients:\n  - id: web\n"},
		{"confidential without secret_env", "clients:\n  - id: web\n    redirect_uris: [https://a.example.com/cb]\n    confidential: true\n"},
		{"public with secret_env", "clients:\n  - id: web\n    redirect_uris: [https://a.example.com/cb]\n    secret_env: WEB_SECRET\n"},
		{"user without id", "users:\n  - name: nobody\n"},
		{"duplicate user", "users:\n  - id: alice\n  - id: alice\n"},
		{"not yaml", "clients: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCatalog([]byte(tt.catalog))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog(writeFile(t, "catalog.yaml", testCatalog))
	require.NoError(t, err)
	assert.Len(t, cat.Clients, 2)

	_, err = LoadCatalog("/nonexistent/catalog.yaml")
	assert.Error(t, err)
}

func TestSyncClients(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)

	reg, err := registry.New(store, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Reload(ctx))

	cat, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	env := map[string]string{"GRAFANA_CLIENT_SECRET": "grafana-secret-value"}
	getenv := func(k string) string { return env[k] }

	n, err := syncClients(ctx, reg, cat, getenv, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	grafana, err := reg.Authenticate("grafana", "grafana-secret-value")
	require.NoError(t, err)
	assert.Equal(t, "Grafana", grafana.ClientName)
	assert.True(t, grafana.Confidential)

	cli, err := reg.Get("cli")
	require.NoError(t, err)
	assert.False(t, cli.Confidential)

	// A second sync leaves existing clients alone, even with another secret.
	env["GRAFANA_CLIENT_SECRET"] = "rotated-secret-value"
	n, err = syncClients(ctx, reg, cat, getenv, slog.Default())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = reg.Authenticate("grafana", "grafana-secret-value")
	assert.NoError(t, err)
}

func TestSyncClients_MissingSecret(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)

	reg, err := registry.New(store, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Reload(ctx))

	cat, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	_, err = syncClients(ctx, reg, cat, func(string) string { return "" }, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAFANA_CLIENT_SECRET")
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	cat, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	dir := NewDirectory(cat.Users)

	alice, err := dir.LookupUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Subject)
	assert.Equal(t, "Alice Example", alice.Name)
	assert.Equal(t, "alice", alice.PreferredUsername)
	assert.True(t, alice.Admin)

	alice.Groups[0] = "mutated"
	again, err := dir.LookupUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"engineering"}, again.Groups, "profiles are returned as copies")

	unknown, err := dir.LookupUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", unknown.Subject)
	assert.Empty(t, unknown.Email)

	members, err := dir.GroupMembers(ctx, "engineering")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	members, err = dir.GroupMembers(ctx, "oncall")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)

	members, err = dir.GroupMembers(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, members)
}
