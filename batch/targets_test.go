package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/storage"
)

func TestCompilePredicate(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{name: "empty", expression: "", wantErr: true},
		{name: "syntax error", expression: "session.user_id ==", wantErr: true},
		{name: "not a bool", expression: `"text"`, wantErr: true},
		{name: "integer", expression: "1 + 2", wantErr: true},
		{name: "unknown variable", expression: `user.id == "x"`, wantErr: true},
		{name: "field comparison", expression: `session.client_id == "web"`},
		{name: "dynamic field", expression: "session.admin"},
		{name: "list membership", expression: `"admin" in session.scopes`},
		{name: "timestamp", expression: `session.created_at < timestamp("2026-01-01T00:00:00Z")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompilePredicate(tt.expression)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPredicate_Match(t *testing.T) {
	ctx := context.Background()
	sess := &storage.Session{
		ID:         "s1",
		UserID:     "user-1",
		ClientID:   "web",
		Scopes:     []string{"openid", "admin"},
		Admin:      true,
		IPAddress:  "203.0.113.9",
		UserAgent:  "curl/8.0",
		CreatedAt:  testutil.Epoch,
		LastUsedAt: testutil.Epoch.Add(time.Hour),
	}

	tests := []struct {
		expression string
		want       bool
	}{
		{`session.client_id == "web"`, true},
		{`session.client_id == "mobile"`, false},
		{`"admin" in session.scopes && session.admin`, true},
		{`session.ip_address.startsWith("203.0.113.")`, true},
		{`session.user_agent.contains("Mozilla")`, false},
		{`session.created_at < timestamp("2026-03-01T12:00:01Z")`, true},
		{`session.last_used_at - session.created_at > duration("30m")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			pred, err := CompilePredicate(tt.expression)
			require.NoError(t, err)
			got, err := pred.Match(ctx, sess)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredicate_MatchNonBoolResult(t *testing.T) {
	pred, err := CompilePredicate("session.user_id")
	require.NoError(t, err, "dyn output passes the type check")

	_, err = pred.Match(context.Background(), &storage.Session{UserID: "user-1"})
	assert.Error(t, err)
}
