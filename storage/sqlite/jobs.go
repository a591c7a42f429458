package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"

	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Batch jobs
// ============================================================

type jobRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	Status      string `db:"status"`
	Initiator   string `db:"initiator"`
	Reason      string `db:"reason"`
	Conditions  string `db:"conditions"`
	DryRun      bool   `db:"dry_run"`
	Priority    int    `db:"priority"`
	Progress    int    `db:"progress"`
	CreatedAt   int64  `db:"created_at"`
	StartedAt   int64  `db:"started_at"`
	CompletedAt int64  `db:"completed_at"`
	CancelledAt int64  `db:"cancelled_at"`
	Stats       string `db:"stats"`
	Error       string `db:"error"`
}

func newJobRow(job *storage.BatchJob) (jobRow, error) {
	conditions, err := json.Marshal(job.Conditions)
	if err != nil {
		return jobRow{}, fmt.Errorf("encoding job conditions: %w", err)
	}
	stats, err := json.Marshal(job.Stats)
	if err != nil {
		return jobRow{}, fmt.Errorf("encoding job stats: %w", err)
	}
	return jobRow{
		ID:          job.ID,
		Type:        string(job.Type),
		Status:      string(job.Status),
		Initiator:   job.Initiator,
		Reason:      job.Reason,
		Conditions:  string(conditions),
		DryRun:      job.DryRun,
		Priority:    job.Priority,
		Progress:    job.Progress,
		CreatedAt:   unixNano(job.CreatedAt),
		StartedAt:   unixNano(job.StartedAt),
		CompletedAt: unixNano(job.CompletedAt),
		CancelledAt: unixNano(job.CancelledAt),
		Stats:       string(stats),
		Error:       job.Error,
	}, nil
}

func (r jobRow) toJob() (*storage.BatchJob, error) {
	job := &storage.BatchJob{
		ID:          r.ID,
		Type:        storage.JobType(r.Type),
		Status:      storage.JobStatus(r.Status),
		Initiator:   r.Initiator,
		Reason:      r.Reason,
		DryRun:      r.DryRun,
		Priority:    r.Priority,
		Progress:    r.Progress,
		CreatedAt:   fromUnixNano(r.CreatedAt),
		StartedAt:   fromUnixNano(r.StartedAt),
		CompletedAt: fromUnixNano(r.CompletedAt),
		CancelledAt: fromUnixNano(r.CancelledAt),
		Error:       r.Error,
	}
	if err := json.Unmarshal([]byte(r.Conditions), &job.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions of job %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Stats), &job.Stats); err != nil {
		return nil, fmt.Errorf("decoding stats of job %s: %w", r.ID, err)
	}
	return job, nil
}

// CreateJob stores a new batch job
func (s *Store) CreateJob(ctx context.Context, job *storage.BatchJob) (err error) {
	ctx, done := s.observe(ctx, "create_job")
	defer func() { done(err) }()

	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO batch_jobs (id, type, status, initiator, reason, conditions, dry_run, priority,
			progress, created_at, started_at, completed_at, cancelled_at, stats, error)
		VALUES (:id, :type, :status, :initiator, :reason, :conditions, :dry_run, :priority,
			:progress, :created_at, :started_at, :completed_at, :cancelled_at, :stats, :error)`, row)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (*storage.BatchJob, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM batch_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return row.toJob()
}

// GetJob returns a batch job
func (s *Store) GetJob(ctx context.Context, id string) (_ *storage.BatchJob, err error) {
	ctx, done := s.observe(ctx, "get_job")
	defer func() { done(err) }()

	return getJob(ctx, s.db, id)
}

// ListJobs returns jobs by priority, then age
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) (_ []*storage.BatchJob, err error) {
	ctx, done := s.observe(ctx, "list_jobs")
	defer func() { done(err) }()

	query := `SELECT * FROM batch_jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` WHERE status IN (?)`
		args = append(args, statuses)
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("building job query: %w", err)
	}

	var rows []jobRow
	if err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]*storage.BatchJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// TransitionJob performs a conditional job status change
func (s *Store) TransitionJob(ctx context.Context, id string, from []storage.JobStatus, to storage.JobStatus, update storage.JobUpdate) (_ *storage.BatchJob, err error) {
	ctx, done := s.observe(ctx, "transition_job")
	defer func() { done(err) }()

	var updated *storage.BatchJob
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !slices.Contains(from, job.Status) {
			return fmt.Errorf("%w: job is %s", storage.ErrStatusConflict, job.Status)
		}
		previous := job.Status
		update.Apply(job, to)

		row, err := newJobRow(job)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE batch_jobs SET status = ?, progress = ?, started_at = ?, completed_at = ?,
				cancelled_at = ?, stats = ?, error = ?
			WHERE id = ? AND status = ?`,
			row.Status, row.Progress, row.StartedAt, row.CompletedAt,
			row.CancelledAt, row.Stats, row.Error,
			id, string(previous))
		if err != nil {
			return fmt.Errorf("transitioning job: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s changed concurrently", storage.ErrStatusConflict, id)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateJobProgress stores monotonic progress and statistics
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, stats storage.JobStats) (err error) {
	ctx, done := s.observe(ctx, "update_job_progress")
	defer func() { done(err) }()

	encoded, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding job stats: %w", err)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_jobs SET progress = ?, stats = ?
			WHERE id = ? AND (progress < ? OR
				(progress = ? AND COALESCE(json_extract(stats, '$.processed_users'), 0) <= ?))`,
			progress, string(encoded), id, progress, progress, stats.ProcessedUsers)
		if err != nil {
			return fmt.Errorf("updating job progress: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM batch_jobs WHERE id = ?`, id); err != nil {
				return fmt.Errorf("querying job: %w", err)
			}
			if exists == 0 {
				return storage.ErrJobNotFound
			}
		}
		return nil
	})
}

// ============================================================
// Affected users
// ============================================================

type affectedUserRow struct {
	JobID                string `db:"job_id"`
	UserID               string `db:"user_id"`
	AccessTokensRevoked  int    `db:"access_tokens_revoked"`
	RefreshTokensRevoked int    `db:"refresh_tokens_revoked"`
	SessionsTerminated   int    `db:"sessions_terminated"`
	Notified             bool   `db:"notified"`
	NotificationError    string `db:"notification_error"`
	Error                string `db:"error"`
	ProcessedAt          int64  `db:"processed_at"`
}

// SaveAffectedUser stores the outcome of one per-user unit
func (s *Store) SaveAffectedUser(ctx context.Context, record *storage.AffectedUserRecord) (err error) {
	ctx, done := s.observe(ctx, "save_affected_user")
	defer func() { done(err) }()

	if record == nil || record.JobID == "" || record.UserID == "" {
		return fmt.Errorf("affected user record requires job and user")
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO affected_users (job_id, user_id, access_tokens_revoked,
			refresh_tokens_revoked, sessions_terminated, notified, notification_error, error, processed_at)
		VALUES (:job_id, :user_id, :access_tokens_revoked,
			:refresh_tokens_revoked, :sessions_terminated, :notified, :notification_error, :error, :processed_at)`,
		affectedUserRow{
			JobID:                record.JobID,
			UserID:               record.UserID,
			AccessTokensRevoked:  record.AccessTokensRevoked,
			RefreshTokensRevoked: record.RefreshTokensRevoked,
			SessionsTerminated:   record.SessionsTerminated,
			Notified:             record.Notified,
			NotificationError:    record.NotificationError,
			Error:                record.Error,
			ProcessedAt:          unixNano(record.ProcessedAt),
		})
	if err != nil {
		return fmt.Errorf("saving affected user: %w", err)
	}
	return nil
}

// ListAffectedUsers returns a job's per-user records ordered by user ID
func (s *Store) ListAffectedUsers(ctx context.Context, jobID string) (_ []*storage.AffectedUserRecord, err error) {
	ctx, done := s.observe(ctx, "list_affected_users")
	defer func() { done(err) }()

	var rows []affectedUserRow
	if err = s.db.SelectContext(ctx, &rows,
		`SELECT * FROM affected_users WHERE job_id = ? ORDER BY user_id`, jobID); err != nil {
		return nil, fmt.Errorf("listing affected users: %w", err)
	}
	out := make([]*storage.AffectedUserRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, &storage.AffectedUserRecord{
			JobID:                r.JobID,
			UserID:               r.UserID,
			AccessTokensRevoked:  r.AccessTokensRevoked,
			RefreshTokensRevoked: r.RefreshTokensRevoked,
			SessionsTerminated:   r.SessionsTerminated,
			Notified:             r.Notified,
			NotificationError:    r.NotificationError,
			Error:                r.Error,
			ProcessedAt:          fromUnixNano(r.ProcessedAt),
		})
	}
	return out, nil
}
