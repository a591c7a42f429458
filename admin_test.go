package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/internal/testutil"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	return e.issueTokens(t, testAdminClientID, "root", "openid "+DefaultAdminScope).AccessToken
}

func (e *testEnv) admin(method, path, token, body string) *httptest.ResponseRecorder {
	req := testutil.NewHTTPRequest(method, path)
	if token != "" {
		req.WithHeader("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.WithJSON(body)
	}
	return req.Do(e.router)
}

func TestHandler_Admin_Authentication(t *testing.T) {
	env := setupTestHandler(t)

	rr := env.admin(http.MethodGet, "/admin/batch-jobs", "", "")
	assertOAuthError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)

	rr = env.admin(http.MethodGet, "/admin/batch-jobs", "not-a-token", "")
	assertOAuthError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)

	userToken := env.issueTokens(t, testWebClientID, "alice", "openid").AccessToken
	rr = env.admin(http.MethodGet, "/admin/batch-jobs", userToken, "")
	if got := rr.Header().Get("WWW-Authenticate"); !strings.Contains(got, `scope="`+DefaultAdminScope+`"`) {
		t.Errorf("WWW-Authenticate = %q, want admin scope", got)
	}
	assertOAuthError(t, rr, http.StatusForbidden, ErrorCodeInsufficientScope)

	rr = env.admin(http.MethodGet, "/admin/batch-jobs", env.adminToken(t), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("admin status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_Admin_BatchJobLifecycle(t *testing.T) {
	env := setupTestHandler(t)
	ctx := context.Background()
	token := env.adminToken(t)

	alice := env.issueTokens(t, testWebClientID, "alice", "openid")
	env.issueTokens(t, testWebClientID, "bob", "openid")

	rr := env.admin(http.MethodPost, "/admin/batch-jobs", token,
		`{"type":"client","reason":"client secret leaked","conditions":{"client_id":"web-app"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created jobResponse
	decodeJSON(t, rr, &created)
	if created.Status != storage.JobPending || created.Initiator != "root" {
		t.Errorf("created job = %+v, want pending job initiated by root", created)
	}
	if got := rr.Header().Get("Location"); got != "/admin/batch-jobs/"+created.ID {
		t.Errorf("Location = %q", got)
	}

	ran, err := env.engine.RunNext(ctx)
	if err != nil || !ran {
		t.Fatalf("RunNext() = %v, %v; want a job to run", ran, err)
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs/"+created.ID, token, "")
	var job jobResponse
	decodeJSON(t, rr, &job)
	if job.Status != storage.JobCompleted {
		t.Fatalf("status = %s, want completed (error %q)", job.Status, job.Error)
	}
	if job.Stats.AffectedUsers != 2 || job.Stats.SessionsTerminated != 2 {
		t.Errorf("stats = %+v, want 2 affected users and sessions", job.Stats)
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs/"+created.ID+"/stats", token, "")
	var report batch.Report
	decodeJSON(t, rr, &report)
	if report.Progress != 100 || report.JobID != created.ID {
		t.Errorf("report = %+v, want 100%% progress", report)
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs/"+created.ID+"/affected-users", token, "")
	var affected struct {
		JobID string                 `json:"job_id"`
		Users []affectedUserResponse `json:"users"`
	}
	decodeJSON(t, rr, &affected)
	if len(affected.Users) != 2 || affected.Users[0].UserID != "alice" || affected.Users[1].UserID != "bob" {
		t.Fatalf("affected users = %+v, want alice and bob", affected.Users)
	}
	if affected.Users[0].AccessTokensRevoked != 1 || affected.Users[0].RefreshTokensRevoked != 1 {
		t.Errorf("alice record = %+v, want one access and one refresh token", affected.Users[0])
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, "/userinfo").
		WithHeader("Authorization", "Bearer "+alice.AccessToken).
		Do(env.router)
	assertOAuthError(t, rr, http.StatusUnauthorized, ErrorCodeInvalidToken)

	rr = env.admin(http.MethodPost, "/admin/batch-jobs/"+created.ID+"/cancel", token, "")
	assertOAuthError(t, rr, http.StatusConflict, ErrorCodeConflict)
}

func TestHandler_Admin_CancelPendingJob(t *testing.T) {
	env := setupTestHandler(t)
	token := env.adminToken(t)

	rr := env.admin(http.MethodPost, "/admin/batch-jobs", token,
		`{"type":"time_window","conditions":{"issued_before":"2026-03-01T12:00:00Z"},"dry_run":true}`)
	var created jobResponse
	decodeJSON(t, rr, &created)

	rr = env.admin(http.MethodPost, "/admin/batch-jobs/"+created.ID+"/cancel", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rr.Code, rr.Body.String())
	}
	var cancelled jobResponse
	decodeJSON(t, rr, &cancelled)
	if cancelled.Status != storage.JobCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
}

func TestHandler_Admin_ListBatchJobs(t *testing.T) {
	env := setupTestHandler(t)
	token := env.adminToken(t)

	for _, body := range []string{
		`{"type":"client","conditions":{"client_id":"web-app"},"dry_run":true}`,
		`{"type":"client","conditions":{"client_id":"backend-app"},"dry_run":true,"priority":5}`,
	} {
		if rr := env.admin(http.MethodPost, "/admin/batch-jobs", token, body); rr.Code != http.StatusAccepted {
			t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
		}
	}

	var list struct {
		Jobs []jobResponse `json:"jobs"`
	}
	rr := env.admin(http.MethodGet, "/admin/batch-jobs?status=pending,processing", token, "")
	decodeJSON(t, rr, &list)
	if len(list.Jobs) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(list.Jobs))
	}
	if list.Jobs[0].Priority != 5 {
		t.Errorf("first job priority = %d, want the higher priority first", list.Jobs[0].Priority)
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs?limit=1", token, "")
	list.Jobs = nil
	decodeJSON(t, rr, &list)
	if len(list.Jobs) != 1 {
		t.Errorf("listed %d jobs with limit=1", len(list.Jobs))
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs?status=completed", token, "")
	list.Jobs = nil
	decodeJSON(t, rr, &list)
	if len(list.Jobs) != 0 {
		t.Errorf("listed %d completed jobs, want none", len(list.Jobs))
	}

	rr = env.admin(http.MethodGet, "/admin/batch-jobs?limit=many", token, "")
	assertOAuthError(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestHandler_Admin_BatchJobErrors(t *testing.T) {
	env := setupTestHandler(t)
	token := env.adminToken(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown job", http.MethodGet, "/admin/batch-jobs/missing", "", http.StatusNotFound, ErrorCodeNotFound},
		{"unknown job stats", http.MethodGet, "/admin/batch-jobs/missing/stats", "", http.StatusNotFound, ErrorCodeNotFound},
		{"unknown job users", http.MethodGet, "/admin/batch-jobs/missing/affected-users", "", http.StatusNotFound, ErrorCodeNotFound},
		{"cancel unknown job", http.MethodPost, "/admin/batch-jobs/missing/cancel", "", http.StatusNotFound, ErrorCodeNotFound},
		{"malformed body", http.MethodPost, "/admin/batch-jobs", `{"type":`, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unknown field", http.MethodPost, "/admin/batch-jobs", `{"type":"client","initiator":"mallory"}`, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unknown type", http.MethodPost, "/admin/batch-jobs", `{"type":"everything"}`, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"unknown client", http.MethodPost, "/admin/batch-jobs", `{"type":"client","conditions":{"client_id":"nope"}}`, http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"bad expression", http.MethodPost, "/admin/batch-jobs", `{"type":"conditional","conditions":{"expression":"session.admin =="}}`, http.StatusBadRequest, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.admin(tt.method, tt.path, token, tt.body)
			assertOAuthError(t, rr, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestHandler_Admin_EmergencyConfirmation(t *testing.T) {
	env := setupTestHandler(t)
	token := env.adminToken(t)
	const emergency = `{"type":"emergency","reason":"signing key compromised","confirmation_token":"%s"}`
	withConfirmation := func(confirmation string) string {
		return strings.Replace(emergency, "%s", confirmation, 1)
	}

	rr := env.admin(http.MethodPost, "/admin/batch-jobs", token, `{"type":"emergency","reason":"signing key compromised"}`)
	assertOAuthError(t, rr, http.StatusForbidden, ErrorCodeAccessDenied)

	// The admin API offers no way to mint the second factor.
	rr = env.admin(http.MethodPost, "/admin/emergency-confirmations", token, "")
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("confirmation endpoint status = %d, want it unrouted", rr.Code)
	}

	forged, _, err := batch.IssueConfirmation([]byte(strings.Repeat("x", 32)), testIssuer, "root", env.clock.Now())
	if err != nil {
		t.Fatalf("IssueConfirmation() error = %v", err)
	}
	rr = env.admin(http.MethodPost, "/admin/batch-jobs", token, withConfirmation(forged))
	assertOAuthError(t, rr, http.StatusForbidden, ErrorCodeAccessDenied)

	foreign, _, err := batch.IssueConfirmation([]byte(testConfirmSecret), testIssuer, "someone-else", env.clock.Now())
	if err != nil {
		t.Fatalf("IssueConfirmation() error = %v", err)
	}
	rr = env.admin(http.MethodPost, "/admin/batch-jobs", token, withConfirmation(foreign))
	assertOAuthError(t, rr, http.StatusForbidden, ErrorCodeAccessDenied)

	// Minted out of band by the holder of the confirmation secret
	confirmation, _, err := batch.IssueConfirmation([]byte(testConfirmSecret), testIssuer, "root", env.clock.Now())
	if err != nil {
		t.Fatalf("IssueConfirmation() error = %v", err)
	}
	rr = env.admin(http.MethodPost, "/admin/batch-jobs", token, withConfirmation(confirmation))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("emergency status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = env.admin(http.MethodPost, "/admin/batch-jobs", token, withConfirmation(confirmation))
	assertOAuthError(t, rr, http.StatusForbidden, ErrorCodeAccessDenied)
}

func TestHandler_Admin_UserSwitches(t *testing.T) {
	env := setupTestHandler(t)
	token := env.adminToken(t)
	cookie := &http.Cookie{Name: DefaultBrowserCookieName, Value: "shared-browser"}

	for _, user := range []string{"alice", "bob"} {
		rr, _ := env.authorize(t, testWebClientID, user, "openid", true, cookie)
		redirectParams(t, rr)
	}

	rr := env.admin(http.MethodGet, "/admin/user-switches?client_id="+testWebClientID, token, "")
	var list struct {
		Entries []userSwitchResponse `json:"entries"`
	}
	decodeJSON(t, rr, &list)
	if len(list.Entries) != 2 {
		t.Fatalf("listed %d entries, want 2", len(list.Entries))
	}

	rr = env.admin(http.MethodGet, "/admin/user-switches/summary?client_id="+testWebClientID, token, "")
	var summary server.UserSwitchSummary
	decodeJSON(t, rr, &summary)
	if summary.Total != 2 || summary.BySwitchType[storage.SwitchUserChange] != 1 {
		t.Errorf("summary = %+v, want one user change out of two entries", summary)
	}

	rr = env.admin(http.MethodGet, "/admin/user-switches?min_risk=extreme", token, "")
	assertOAuthError(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)

	rr = env.admin(http.MethodGet, "/admin/user-switches?since=yesterday", token, "")
	assertOAuthError(t, rr, http.StatusBadRequest, ErrorCodeInvalidRequest)
}

func TestHandler_Admin_WithoutBatchEngine(t *testing.T) {
	env := setupTestHandler(t)
	h, err := NewHandler(env.srv, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	t.Cleanup(h.Close)
	token := env.adminToken(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, "/admin/batch-jobs").
		WithHeader("Authorization", "Bearer "+token).
		Do(h.Router())
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a batch engine", rr.Code)
	}
}

func TestHandler_Admin_JobSubmissionLimit(t *testing.T) {
	env := setupTestHandler(t, func(c *Config) { c.JobSubmissionLimit = 2 })
	token := env.adminToken(t)
	body := `{"type":"client","conditions":{"client_id":"web-app"},"dry_run":true}`

	for i := 0; i < 2; i++ {
		if rr := env.admin(http.MethodPost, "/admin/batch-jobs", token, body); rr.Code != http.StatusAccepted {
			t.Fatalf("submission %d status = %d, body %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := env.admin(http.MethodPost, "/admin/batch-jobs", token, body)
	assertOAuthError(t, rr, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
