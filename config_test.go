package oauth

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "https login URL", config: Config{LoginURL: "https://login.example.com/signin"}},
		{name: "path consent URL", config: Config{ConsentURL: "/consent"}},
		{name: "relative login URL", config: Config{LoginURL: "login"}, wantErr: true},
		{name: "javascript URL", config: Config{LoginURL: "javascript:alert(1)"}, wantErr: true},
		{name: "unparsable URL", config: Config{ConsentURL: "https://[::1"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	applyDefaults(&c)

	if c.AdminScope != DefaultAdminScope {
		t.Errorf("AdminScope = %q, want %q", c.AdminScope, DefaultAdminScope)
	}
	if c.BrowserCookieName != DefaultBrowserCookieName {
		t.Errorf("BrowserCookieName = %q, want %q", c.BrowserCookieName, DefaultBrowserCookieName)
	}
	if c.RateLimit.Rate != DefaultTokenRateLimit || c.RateLimit.Burst != DefaultTokenRateBurst {
		t.Errorf("RateLimit = %+v, want defaults", c.RateLimit)
	}

	disabled := Config{RateLimit: RateLimitConfig{Rate: -1}}
	applyDefaults(&disabled)
	if disabled.RateLimit.Rate != -1 {
		t.Errorf("negative rate should be kept to disable limiting, got %v", disabled.RateLimit.Rate)
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logSecurityWarnings(&Config{InsecureCookies: true, RateLimit: RateLimitConfig{Rate: -1}}, logger)

	out := buf.String()
	if strings.Count(out, "SECURITY WARNING") != 2 {
		t.Errorf("expected two security warnings, got:\n%s", out)
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	auth := HeaderAuthenticator{AdminGroup: "sso-admins", Now: func() time.Time { return fixed }}

	tests := []struct {
		name      string
		headers   map[string]string
		wantNil   bool
		wantUser  string
		wantAdmin bool
		wantTime  time.Time
	}{
		{name: "no user", headers: map[string]string{}, wantNil: true},
		{name: "blank user", headers: map[string]string{DefaultUserHeader: "  "}, wantNil: true},
		{
			name:     "user only",
			headers:  map[string]string{DefaultUserHeader: "alice"},
			wantUser: "alice",
			wantTime: fixed,
		},
		{
			name: "admin with auth time",
			headers: map[string]string{
				DefaultUserHeader:     "root",
				DefaultGroupsHeader:   "staff, sso-admins",
				DefaultAuthTimeHeader: "1767225600",
			},
			wantUser:  "root",
			wantAdmin: true,
			wantTime:  time.Unix(1767225600, 0),
		},
		{
			name: "group prefix is not membership",
			headers: map[string]string{
				DefaultUserHeader:     "bob",
				DefaultGroupsHeader:   "sso-admins-readonly",
				DefaultAuthTimeHeader: "garbage",
			},
			wantUser: "bob",
			wantTime: fixed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/authorize", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			identity, err := auth.Authenticate(req)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if tt.wantNil {
				if identity != nil {
					t.Errorf("identity = %+v, want nil", identity)
				}
				return
			}
			if identity == nil {
				t.Fatal("identity is nil")
			}
			if identity.UserID != tt.wantUser || identity.Admin != tt.wantAdmin || !identity.AuthTime.Equal(tt.wantTime) {
				t.Errorf("identity = %+v, want user %q admin %v at %v", identity, tt.wantUser, tt.wantAdmin, tt.wantTime)
			}
		})
	}
}

func TestClientCredentials(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		basic      []string
		wantID     string
		wantSecret string
		wantErr    bool
	}{
		{name: "form", form: url.Values{"client_id": {"app"}, "client_secret": {"s"}}, wantID: "app", wantSecret: "s"},
		{name: "public form", form: url.Values{"client_id": {"app"}}, wantID: "app"},
		{name: "basic", basic: []string{"app", "s"}, wantID: "app", wantSecret: "s"},
		{name: "basic is form-urlencoded", basic: []string{"my%3Aapp", "p%40ss"}, wantID: "my:app", wantSecret: "p@ss"},
		{name: "basic and matching client_id", form: url.Values{"client_id": {"app"}}, basic: []string{"app", "s"}, wantID: "app", wantSecret: "s"},
		{name: "basic and other client_id", form: url.Values{"client_id": {"other"}}, basic: []string{"app", "s"}, wantErr: true},
		{name: "both secrets", form: url.Values{"client_secret": {"s"}}, basic: []string{"app", "s"}, wantErr: true},
		{name: "bad escape", basic: []string{"app%zz", "s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.basic != nil {
				req.SetBasicAuth(tt.basic[0], tt.basic[1])
			}
			if err := req.ParseForm(); err != nil {
				t.Fatalf("ParseForm() error = %v", err)
			}

			id, secret, err := clientCredentials(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("clientCredentials() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if id != tt.wantID || secret != tt.wantSecret {
				t.Errorf("clientCredentials() = %q, %q; want %q, %q", id, secret, tt.wantID, tt.wantSecret)
			}
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		req.Header.Set("Authorization", tt.header)
		got, ok := extractBearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractBearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		scope, code, desc string
		want              string
	}{
		{"", "", "", "Bearer"},
		{"", "invalid_token", "expired", `Bearer error="invalid_token", error_description="expired"`},
		{"sso:admin", "insufficient_scope", "", `Bearer scope="sso:admin", error="insufficient_scope"`},
		{"", "invalid_token", `say "hi" \o/`, `Bearer error="invalid_token", error_description="say \"hi\" \\o/"`},
	}
	for _, tt := range tests {
		if got := formatWWWAuthenticate(tt.scope, tt.code, tt.desc); got != tt.want {
			t.Errorf("formatWWWAuthenticate() = %s, want %s", got, tt.want)
		}
	}
}

func TestAppendQuery(t *testing.T) {
	got := appendQuery("https://app.example.com/cb?tenant=a", url.Values{"code": {"xyz"}, "state": {"s t"}})
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := u.Query()
	if q.Get("tenant") != "a" || q.Get("code") != "xyz" || q.Get("state") != "s t" {
		t.Errorf("appendQuery() = %s, want existing and new parameters", got)
	}
}

func TestToOAuthError(t *testing.T) {
	replay := &server.Error{
		Code:        ErrorCodeInvalidGrant,
		Description: "the provided authorization grant is invalid, expired or revoked",
		Err:         server.ErrReplayDetected,
	}

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"replay is invalid_grant", fmt.Errorf("exchange: %w", replay), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", &server.Error{Code: ErrorCodeInvalidClient}, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid token", &server.Error{Code: ErrorCodeInvalidToken}, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"insufficient scope", &server.Error{Code: ErrorCodeInsufficientScope}, ErrorCodeInsufficientScope, http.StatusForbidden},
		{"server error", &server.Error{Code: ErrorCodeServerError}, ErrorCodeServerError, http.StatusInternalServerError},
		{"plain error", errors.New("boom"), ErrorCodeServerError, http.StatusInternalServerError},
		{"oauth error", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toOAuthError(tt.err)
			if got.Code != tt.wantCode || got.Status != tt.wantStatus {
				t.Errorf("toOAuthError() = %s/%d, want %s/%d", got.Code, got.Status, tt.wantCode, tt.wantStatus)
			}
			if strings.Contains(got.Description, "replay") {
				t.Errorf("description leaks the internal cause: %q", got.Description)
			}
		})
	}
}

func TestBatchError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{fmt.Errorf("%w: group is required", batch.ErrInvalidJob), http.StatusBadRequest},
		{batch.ErrConfirmationRequired, http.StatusForbidden},
		{batch.ErrInvalidConfirmation, http.StatusForbidden},
		{storage.ErrJobNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %w", batch.ErrJobFinished, storage.ErrStatusConflict), http.StatusConflict},
		{errors.New("store unavailable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := batchError(tt.err); got.Status != tt.wantStatus {
			t.Errorf("batchError(%v) status = %d, want %d", tt.err, got.Status, tt.wantStatus)
		}
	}
}
