package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

// unit results, as recorded in metrics
const (
	resultAffected   = "affected"
	resultUnaffected = "unaffected"
	resultFailed     = "failed"
)

// progress accumulates job statistics across concurrent units.
type progress struct {
	mu        sync.Mutex
	total     int
	completed int
	stats     storage.JobStats
}

// record adds a finished unit and stores the resulting progress. The write
// happens under the lock, so concurrent units store their statistics in the
// order they were counted and stored progress never moves backwards.
func (p *progress) record(ctx context.Context, store storage.JobStore, jobID string, rec *storage.AffectedUserRecord, notifyAttempted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed++
	p.stats.ProcessedUsers++
	if rec.Error != "" {
		p.stats.FailedUsers++
	}
	if affected(rec) {
		p.stats.AffectedUsers++
	}
	p.stats.AccessTokensRevoked += rec.AccessTokensRevoked
	p.stats.RefreshTokensRevoked += rec.RefreshTokensRevoked
	p.stats.SessionsTerminated += rec.SessionsTerminated
	if notifyAttempted {
		if rec.Notified {
			p.stats.NotificationsSent++
		} else {
			p.stats.NotificationsFailed++
		}
	}

	if err := store.UpdateJobProgress(ctx, jobID, p.completed*100/p.total, p.stats); err != nil {
		return fmt.Errorf("failed to store job progress: %w", err)
	}
	return nil
}

func (p *progress) snapshot() storage.JobStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func affected(rec *storage.AffectedUserRecord) bool {
	return rec.AccessTokensRevoked+rec.RefreshTokensRevoked+rec.SessionsTerminated > 0
}

// run executes a claimed job and moves it to its final status.
func (e *Engine) run(ctx context.Context, job *storage.BatchJob) {
	ctx, span := e.tracer.Start(ctx, "batch.run_job")
	defer span.End()
	instrumentation.AddBatchJobAttributes(span, job.ID, string(job.Type), job.DryRun)

	cancelled := e.track(job.ID)
	defer e.forget(job.ID)

	logger := e.logger.With("job_id", job.ID, "type", job.Type, "dry_run", job.DryRun)
	logger.Info("Batch job started", "initiator", job.Initiator, "reason", job.Reason)

	sc, err := e.resolve(ctx, job)
	if err != nil {
		e.fail(ctx, job, storage.JobStats{}, err)
		instrumentation.RecordError(span, err)
		return
	}

	e.pollCancellation(ctx, job.ID, cancelled)

	p := &progress{total: len(sc.targets)}
	p.stats.TotalUsers = len(sc.targets)
	if err := e.store.UpdateJobProgress(ctx, job.ID, 0, p.stats); err != nil {
		logger.Warn("Failed to store job progress", "error", err)
	}

	err = e.dispatch(ctx, job, sc, p, cancelled)
	stats := p.snapshot()
	instrumentation.AddRevocationAttributes(span, stats.AccessTokensRevoked, stats.RefreshTokensRevoked, stats.SessionsTerminated)
	if err != nil {
		e.fail(ctx, job, stats, err)
		instrumentation.RecordError(span, err)
		return
	}

	if cancelled.Load() {
		e.finishCancelled(ctx, job, stats)
		instrumentation.SetSpanSuccess(span)
		return
	}

	final, err := e.store.TransitionJob(ctx, job.ID,
		[]storage.JobStatus{storage.JobProcessing},
		storage.JobCompleted,
		storage.JobUpdate{At: e.now(), Stats: &stats})
	if errors.Is(err, storage.ErrStatusConflict) {
		// cancelled on another instance after the last unit
		e.finishCancelled(ctx, job, stats)
		instrumentation.SetSpanSuccess(span)
		return
	}
	if err != nil {
		logger.Error("Failed to complete batch job", "error", err)
		instrumentation.RecordError(span, err)
		return
	}

	logger.Info("Batch job completed",
		"total_users", stats.TotalUsers,
		"affected_users", stats.AffectedUsers,
		"failed_users", stats.FailedUsers,
		"sessions_terminated", stats.SessionsTerminated)
	e.audit(ctx, final, security.EventBatchJobCompleted, "", statsDetails(final.Status, stats))
	e.recordJob(ctx, final)
	instrumentation.SetSpanSuccess(span)
}

// dispatch runs one unit per target on the worker pool. It stops enqueuing
// once the job is cancelled.
func (e *Engine) dispatch(ctx context.Context, job *storage.BatchJob, sc *scope, p *progress, cancelled *atomic.Bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)

	for i, t := range sc.targets {
		if cancelled.Load() || gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if i > 0 && i%e.config.StatusCheckEvery == 0 {
				e.pollCancellation(gctx, job.ID, cancelled)
			}
			if cancelled.Load() {
				return nil
			}
			rec, notified, err := e.processUser(gctx, job, sc, t)
			if err != nil {
				return err
			}
			return p.record(gctx, e.store, job.ID, rec, notified)
		})
	}
	return g.Wait()
}

// pollCancellation picks up a cancel issued through another instance.
func (e *Engine) pollCancellation(ctx context.Context, id string, cancelled *atomic.Bool) {
	current, err := e.store.GetJob(ctx, id)
	if err != nil {
		e.logger.Warn("Failed to check job status", "job_id", id, "error", err)
		return
	}
	if current.Status == storage.JobCancelled {
		cancelled.Store(true)
	}
}

// processUser is one per-user unit. Revocation failures are recorded on the
// returned record; only a failure to store the record is returned as an
// error, which fails the whole job.
func (e *Engine) processUser(ctx context.Context, job *storage.BatchJob, sc *scope, t target) (*storage.AffectedUserRecord, bool, error) {
	now := e.now()
	rec := &storage.AffectedUserRecord{
		JobID:       job.ID,
		UserID:      t.UserID,
		ProcessedAt: now,
	}
	filter := storage.TokenFilter{
		UserID:               t.UserID,
		SessionIDs:           t.SessionIDs,
		ExcludeServiceTokens: sc.excludeServiceTokens,
	}

	if job.DryRun {
		counts, err := e.store.CountTokens(ctx, filter, now)
		if err != nil {
			rec.Error = fmt.Sprintf("count tokens: %v", err)
		}
		rec.AccessTokensRevoked = counts.AccessTokens
		rec.RefreshTokensRevoked = counts.RefreshTokens
		live, err := e.store.ListSessions(ctx, storage.SessionFilter{UserIDs: []string{t.UserID}})
		if err != nil {
			rec.Error = fmt.Sprintf("count sessions: %v", err)
		}
		for _, s := range live {
			if slices.Contains(t.SessionIDs, s.ID) {
				rec.SessionsTerminated++
			}
		}
	} else {
		// Sessions go first: from then on no code exchange or rotation can
		// mint tokens for them, and RevokeTokens catches whatever was
		// minted before.
		reason := "batch_" + string(job.Type)
		var errs []string
		n, err := e.store.TerminateSessions(ctx, t.SessionIDs, now)
		rec.SessionsTerminated = n
		if err != nil {
			errs = append(errs, fmt.Sprintf("terminate sessions: %v", err))
		}
		counts, err := e.store.RevokeTokens(ctx, filter, reason, now)
		rec.AccessTokensRevoked = counts.AccessTokens
		rec.RefreshTokensRevoked = counts.RefreshTokens
		if err != nil {
			errs = append(errs, fmt.Sprintf("revoke tokens: %v", err))
		}
		rec.Error = strings.Join(errs, "; ")
		if e.metrics != nil {
			e.metrics.RecordTokensRevoked(ctx, reason, counts.AccessTokens+counts.RefreshTokens)
		}
	}

	notifyAttempted := job.Conditions.Notify && !job.DryRun && e.notifier != nil && affected(rec)
	if notifyAttempted {
		e.notify(ctx, job, rec)
	}

	if err := e.store.SaveAffectedUser(ctx, rec); err != nil {
		return nil, false, fmt.Errorf("failed to record user %s: %w", t.UserID, err)
	}

	if e.metrics != nil {
		result := resultUnaffected
		switch {
		case rec.Error != "":
			result = resultFailed
		case affected(rec):
			result = resultAffected
		}
		e.metrics.RecordBatchUser(ctx, string(job.Type), result)
	}
	if rec.Error != "" {
		e.logger.Warn("Batch unit failed", "job_id", job.ID, "user_id", t.UserID, "error", rec.Error)
	}
	return rec, notifyAttempted, nil
}

// notify delivers the user notice and records the outcome on rec.
func (e *Engine) notify(ctx context.Context, job *storage.BatchJob, rec *storage.AffectedUserRecord) {
	nctx, cancel := context.WithTimeout(ctx, e.config.NotifyTimeout)
	defer cancel()

	err := e.notifier.NotifyRevocation(nctx, Notification{
		JobID:                job.ID,
		JobType:              job.Type,
		UserID:               rec.UserID,
		Reason:               job.Reason,
		AccessTokensRevoked:  rec.AccessTokensRevoked,
		RefreshTokensRevoked: rec.RefreshTokensRevoked,
		SessionsTerminated:   rec.SessionsTerminated,
		At:                   rec.ProcessedAt,
	})
	if err != nil {
		rec.NotificationError = err.Error()
		return
	}
	rec.Notified = true
}

func (e *Engine) fail(ctx context.Context, job *storage.BatchJob, stats storage.JobStats, cause error) {
	e.logger.Error("Batch job failed", "job_id", job.ID, "type", job.Type, "error", cause)

	final, err := e.store.TransitionJob(ctx, job.ID,
		[]storage.JobStatus{storage.JobProcessing},
		storage.JobFailed,
		storage.JobUpdate{At: e.now(), Stats: &stats, Error: cause.Error()})
	if errors.Is(err, storage.ErrStatusConflict) {
		e.finishCancelled(ctx, job, stats)
		return
	}
	if err != nil {
		e.logger.Error("Failed to mark batch job failed", "job_id", job.ID, "error", err)
		return
	}
	details := statsDetails(final.Status, stats)
	details["error"] = cause.Error()
	e.audit(ctx, final, security.EventBatchJobCompleted, "", details)
	e.recordJob(ctx, final)
}

// finishCancelled stores the final statistics of a cancelled job. The status
// was already written by Cancel.
func (e *Engine) finishCancelled(ctx context.Context, job *storage.BatchJob, stats storage.JobStats) {
	current, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		e.logger.Error("Failed to load cancelled job", "job_id", job.ID, "error", err)
		return
	}
	if err := e.store.UpdateJobProgress(ctx, job.ID, current.Progress, stats); err != nil {
		e.logger.Warn("Failed to store cancelled job statistics", "job_id", job.ID, "error", err)
	}
	current.Stats = stats

	e.logger.Info("Batch job stopped after cancellation",
		"job_id", job.ID,
		"processed_users", stats.ProcessedUsers,
		"total_users", stats.TotalUsers)
	e.recordJob(ctx, current)
}

func (e *Engine) recordJob(ctx context.Context, job *storage.BatchJob) {
	if e.metrics == nil {
		return
	}
	end := job.CompletedAt
	if end.IsZero() {
		end = job.CancelledAt
	}
	if end.IsZero() {
		end = e.now()
	}
	e.metrics.RecordBatchJob(ctx, string(job.Type), string(job.Status), job.DryRun,
		float64(end.Sub(job.StartedAt).Milliseconds()))
}

func statsDetails(status storage.JobStatus, stats storage.JobStats) map[string]any {
	return map[string]any{
		"status":                 string(status),
		"total_users":            stats.TotalUsers,
		"affected_users":         stats.AffectedUsers,
		"failed_users":           stats.FailedUsers,
		"access_tokens_revoked":  stats.AccessTokensRevoked,
		"refresh_tokens_revoked": stats.RefreshTokensRevoked,
		"sessions_terminated":    stats.SessionsTerminated,
	}
}
