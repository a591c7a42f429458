package instrumentation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with service name and version", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "enabled with defaults", config: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.Meter("http") == nil {
				t.Error("Meter(\"http\") returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer(\"server\") returned nil")
			}
		})
	}
}

func scrape(t *testing.T, inst *Instrumentation) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return rec.Code, string(body)
}

func TestHandler_ExposesRecordedMetrics(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordCodeIssued(ctx, "client-a", true)
	m.RecordTokenRefresh(ctx, "client-a", false)
	m.RecordReplayDetected(ctx, "refresh_token")
	m.RecordTokensRevoked(ctx, "family_revoked", 3)
	m.RecordBatchJob(ctx, "emergency", "completed", false, 12.5)

	code, body := scrape(t, inst)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	for _, want := range []string{"oauth_code_issued", "oauth_token_refreshed", "oauth_replay_detected", "oauth_token_revoked", "oauth_batch_jobs"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandler_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Recording against no-op instruments must not panic
	inst.Metrics().RecordHTTPRequest(context.Background(), "GET", "/token", 200, 1.0)

	code, _ := scrape(t, inst)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	var calls atomic.Int64
	err = inst.RegisterStorageSizeCallbacks(StorageSizeCallbacks{
		AccessTokens: func() int64 { calls.Add(1); return 7 },
		Sessions:     func() int64 { return 2 },
	})
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	_, body := scrape(t, inst)
	if calls.Load() == 0 {
		t.Error("access token callback was not invoked during collection")
	}
	if !strings.Contains(body, "storage_access_tokens_count") {
		t.Error("metrics output missing storage_access_tokens_count")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	AddOAuthFlowAttributes(nil, "c", "u", "openid")
	AddRotationAttributes(nil, "active", 1, false)
	AddRevocationAttributes(nil, 1, 2, 3)
	AddBatchJobAttributes(nil, "job", "group", true)
}

func TestSpanHelpers_RealSpan(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	defer span.End()

	AddOAuthFlowAttributes(span, "client", "", "openid")
	AddStorageAttributes(span, "rotate_refresh_token", "memory")
	AddHTTPAttributes(span, "POST", "/token", 200)
	RecordError(span, errors.New("test error"))

	if !span.IsRecording() {
		t.Error("SDK span should be recording")
	}
}
