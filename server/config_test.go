package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "relative issuer", mutate: func(c *Config) { c.Issuer = "/sso" }, wantErr: "absolute URL"},
		{name: "plain http issuer", mutate: func(c *Config) { c.Issuer = "http://sso.example.com" }, wantErr: "https"},
		{name: "http on loopback", mutate: func(c *Config) { c.Issuer = "http://localhost:8080" }},
		{name: "issuer with query", mutate: func(c *Config) { c.Issuer = "https://sso.example.com/?a=b" }, wantErr: "query"},
		{name: "negative TTL", mutate: func(c *Config) { c.AccessTokenTTL = -1 }, wantErr: "AccessTokenTTL"},
		{
			name: "grace longer than refresh TTL",
			mutate: func(c *Config) {
				c.RefreshTokenTTL = 60
				c.RotationGraceSeconds = 60
			},
			wantErr: "RotationGraceSeconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Issuer = testIssuer
			tt.mutate(&config)
			applyTimeDefaults(&config)

			err := validateConfig(&config)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyTimeDefaults(t *testing.T) {
	var config Config
	applyTimeDefaults(&config)

	if config.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", config.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if config.RotationGraceSeconds != DefaultRotationGraceSeconds {
		t.Errorf("RotationGraceSeconds = %d, want %d", config.RotationGraceSeconds, DefaultRotationGraceSeconds)
	}
	if config.RapidSwitchWindow != DefaultRapidSwitchWindow {
		t.Errorf("RapidSwitchWindow = %d, want %d", config.RapidSwitchWindow, DefaultRapidSwitchWindow)
	}
}

func TestDefaultConfig_SecureDefaults(t *testing.T) {
	config := DefaultConfig()
	if !config.ExcludeAdminSessions || !config.PreserveServiceTokens || !config.RequirePKCE {
		t.Errorf("DefaultConfig() = %+v, want admin exclusion, service preservation and PKCE", config)
	}
	if config.AllowPKCEPlain {
		t.Error("plain PKCE must be disabled by default")
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	config := DefaultConfig()
	config.Issuer = testIssuer
	config.AllowPKCEPlain = true
	config.RotationGraceSeconds = 600
	logSecurityWarnings(&config, logger)

	out := buf.String()
	for _, want := range []string{"Plain PKCE method is ALLOWED", "Long refresh token rotation grace window"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	secure := DefaultConfig()
	secure.Issuer = testIssuer
	logSecurityWarnings(&secure, logger)
	if strings.Contains(buf.String(), "SECURITY WARNING") {
		t.Errorf("secure defaults should not warn:\n%s", buf.String())
	}
}
