package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/server"
	"github.com/giantswarm/sso-core/storage"
)

const (
	defaultAdminListLimit = 50
	maxAdminListLimit     = 500
)

type adminContextKey struct{}

// adminFromContext returns the access token that authenticated an admin request
func adminFromContext(ctx context.Context) *storage.AccessToken {
	token, _ := ctx.Value(adminContextKey{}).(*storage.AccessToken)
	return token
}

// requireAdmin admits requests carrying a valid bearer token with the admin scope.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := extractBearerToken(r)
		if !ok {
			h.writeError(w, ErrorCodeInvalidToken, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := h.server.ValidateAccessToken(r.Context(), raw)
		if err != nil {
			h.writeServerError(w, r, err)
			return
		}
		if !hasScope(token.Scope, h.config.AdminScope) {
			h.server.Auditor.LogAuthFailure(r.Context(), token.UserID, token.ClientID,
				h.config.ipResolver().Resolve(r), "admin_scope_missing")
			w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(h.config.AdminScope, ErrorCodeInsufficientScope, "admin scope required"))
			h.writeError(w, ErrorCodeInsufficientScope, "admin scope required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminContextKey{}, token)))
	})
}

// jobRequest is the body of POST /admin/batch-jobs
type jobRequest struct {
	Type              storage.JobType       `json:"type"`
	Reason            string                `json:"reason"`
	Conditions        storage.JobConditions `json:"conditions"`
	DryRun            bool                  `json:"dry_run"`
	Priority          int                   `json:"priority"`
	ConfirmationToken string                `json:"confirmation_token,omitempty"`
}

type jobResponse struct {
	ID          string                `json:"id"`
	Type        storage.JobType       `json:"type"`
	Status      storage.JobStatus     `json:"status"`
	Initiator   string                `json:"initiator"`
	Reason      string                `json:"reason,omitempty"`
	Conditions  storage.JobConditions `json:"conditions"`
	DryRun      bool                  `json:"dry_run"`
	Priority    int                   `json:"priority"`
	Progress    int                   `json:"progress"`
	Stats       storage.JobStats      `json:"stats"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   time.Time             `json:"started_at,omitzero"`
	CompletedAt time.Time             `json:"completed_at,omitzero"`
	CancelledAt time.Time             `json:"cancelled_at,omitzero"`
}

func newJobResponse(job *storage.BatchJob) jobResponse {
	return jobResponse{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Initiator:   job.Initiator,
		Reason:      job.Reason,
		Conditions:  job.Conditions,
		DryRun:      job.DryRun,
		Priority:    job.Priority,
		Progress:    job.Progress,
		Stats:       job.Stats,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		CancelledAt: job.CancelledAt,
	}
}

type affectedUserResponse struct {
	UserID               string    `json:"user_id"`
	AccessTokensRevoked  int       `json:"access_tokens_revoked"`
	RefreshTokensRevoked int       `json:"refresh_tokens_revoked"`
	SessionsTerminated   int       `json:"sessions_terminated"`
	Notified             bool      `json:"notified"`
	NotificationError    string    `json:"notification_error,omitempty"`
	Error                string    `json:"error,omitempty"`
	ProcessedAt          time.Time `json:"processed_at"`
}

type userSwitchResponse struct {
	ID                   string             `json:"id"`
	ClientID             string             `json:"client_id"`
	PreviousUserID       string             `json:"previous_user_id"`
	NewUserID            string             `json:"new_user_id"`
	SwitchType           storage.SwitchType `json:"switch_type"`
	RiskLevel            storage.RiskLevel  `json:"risk_level"`
	RiskFactors          []string           `json:"risk_factors,omitempty"`
	IPAddress            string             `json:"ip_address,omitempty"`
	UserAgent            string             `json:"user_agent,omitempty"`
	AccessTokensRevoked  int                `json:"access_tokens_revoked"`
	RefreshTokensRevoked int                `json:"refresh_tokens_revoked"`
	CreatedAt            time.Time          `json:"created_at"`
}

// ServeCreateBatchJob submits a batch revocation job.
func (h *Handler) ServeCreateBatchJob(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed job request", http.StatusBadRequest)
		return
	}

	admin := adminFromContext(r.Context())
	if h.jobLimiter != nil && !h.jobLimiter.Allow(admin.UserID) {
		if h.metrics != nil {
			h.metrics.RecordRateLimitExceeded(r.Context(), "batch_jobs")
		}
		w.Header().Set("Retry-After", "3600")
		h.writeError(w, ErrorCodeRateLimitExceeded, "Too many batch jobs submitted. Please try again later.", http.StatusTooManyRequests)
		return
	}

	job, err := h.batch.Submit(r.Context(), batch.JobRequest{
		Type:              body.Type,
		Initiator:         admin.UserID,
		Reason:            body.Reason,
		Conditions:        body.Conditions,
		DryRun:            body.DryRun,
		Priority:          body.Priority,
		ConfirmationToken: body.ConfirmationToken,
		IPAddress:         h.config.ipResolver().Resolve(r),
	})
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/batch-jobs/"+job.ID)
	h.writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

// ServeListBatchJobs lists jobs, optionally filtered by ?status=a,b.
func (h *Handler) ServeListBatchJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	filter := storage.JobFilter{Limit: limit}
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, storage.JobStatus(s))
			}
		}
	}

	jobs, err := h.batch.List(r.Context(), filter)
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobResponse(j))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// ServeGetBatchJob returns one job.
func (h *Handler) ServeGetBatchJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.batch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newJobResponse(job))
}

// ServeCancelBatchJob cancels a pending or running job.
func (h *Handler) ServeCancelBatchJob(w http.ResponseWriter, r *http.Request) {
	admin := adminFromContext(r.Context())
	job, err := h.batch.Cancel(r.Context(), chi.URLParam(r, "id"), admin.UserID)
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newJobResponse(job))
}

// ServeBatchJobStats returns the statistics report of a job.
func (h *Handler) ServeBatchJobStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.batch.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ServeAffectedUsers returns the per-user records of a job.
func (h *Handler) ServeAffectedUsers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.batch.AffectedUsers(r.Context(), id)
	if err != nil {
		h.writeBatchError(w, r, err)
		return
	}
	out := make([]affectedUserResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, affectedUserResponse{
			UserID:               rec.UserID,
			AccessTokensRevoked:  rec.AccessTokensRevoked,
			RefreshTokensRevoked: rec.RefreshTokensRevoked,
			SessionsTerminated:   rec.SessionsTerminated,
			Notified:             rec.Notified,
			NotificationError:    rec.NotificationError,
			Error:                rec.Error,
			ProcessedAt:          rec.ProcessedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "users": out})
}

// ServeListUserSwitches returns user switch audit entries, newest first.
func (h *Handler) ServeListUserSwitches(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseSwitchFilter(w, r)
	if !ok {
		return
	}
	entries, err := h.server.ListUserSwitches(r.Context(), filter)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	out := make([]userSwitchResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, userSwitchResponse{
			ID:                   e.ID,
			ClientID:             e.ClientID,
			PreviousUserID:       e.PreviousUserID,
			NewUserID:            e.NewUserID,
			SwitchType:           e.SwitchType,
			RiskLevel:            e.RiskLevel,
			RiskFactors:          e.RiskFactors,
			IPAddress:            e.IPAddress,
			UserAgent:            e.UserAgent,
			AccessTokensRevoked:  e.AccessTokensRevoked,
			RefreshTokensRevoked: e.RefreshTokensRevoked,
			CreatedAt:            e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ServeUserSwitchSummary aggregates user switch audit entries.
func (h *Handler) ServeUserSwitchSummary(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseSwitchFilter(w, r)
	if !ok {
		return
	}
	filter.Limit = 0
	entries, err := h.server.ListUserSwitches(r.Context(), filter)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, server.SummarizeUserSwitches(entries))
}

func (h *Handler) parseSwitchFilter(w http.ResponseWriter, r *http.Request) (storage.UserSwitchFilter, bool) {
	q := r.URL.Query()
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return storage.UserSwitchFilter{}, false
	}
	filter := storage.UserSwitchFilter{
		ClientID: q.Get("client_id"),
		UserID:   q.Get("user_id"),
		Limit:    limit,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return storage.UserSwitchFilter{}, false
		}
		filter.Since = since
	}
	if raw := q.Get("min_risk"); raw != "" {
		switch level := storage.RiskLevel(raw); level {
		case storage.RiskLow, storage.RiskMedium, storage.RiskHigh, storage.RiskCritical:
			filter.MinRisk = level
		default:
			h.writeError(w, ErrorCodeInvalidRequest, "min_risk must be one of low, medium, high, critical", http.StatusBadRequest)
			return storage.UserSwitchFilter{}, false
		}
	}
	return filter, true
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultAdminListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		h.writeError(w, ErrorCodeInvalidRequest, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(limit, maxAdminListLimit), true
}

func (h *Handler) writeBatchError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := batchError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}
