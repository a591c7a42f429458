package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/giantswarm/sso-core/storage"
)

// ============================================================
// Batch jobs
// ============================================================

// CreateJob stores a new batch job
func (s *Store) CreateJob(ctx context.Context, job *storage.BatchJob) (err error) {
	_, done := s.observe(ctx, "create_job")
	defer func() { done(err) }()

	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy of a batch job
func (s *Store) GetJob(ctx context.Context, id string) (_ *storage.BatchJob, err error) {
	_, done := s.observe(ctx, "get_job")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns jobs by priority, then age
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) (_ []*storage.BatchJob, err error) {
	_, done := s.observe(ctx, "list_jobs")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.BatchJob
	for _, job := range s.jobs {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionJob performs a conditional job status change
func (s *Store) TransitionJob(ctx context.Context, id string, from []storage.JobStatus, to storage.JobStatus, update storage.JobUpdate) (_ *storage.BatchJob, err error) {
	_, done := s.observe(ctx, "transition_job")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	if !slices.Contains(from, job.Status) {
		return nil, fmt.Errorf("%w: job is %s", storage.ErrStatusConflict, job.Status)
	}
	update.Apply(job, to)
	cp := *job
	return &cp, nil
}

// UpdateJobProgress stores monotonic progress and statistics
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, stats storage.JobStats) (err error) {
	_, done := s.observe(ctx, "update_job_progress")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	if progress < job.Progress ||
		(progress == job.Progress && stats.ProcessedUsers < job.Stats.ProcessedUsers) {
		return nil
	}
	job.Progress = progress
	job.Stats = stats
	return nil
}

// SaveAffectedUser stores the outcome of one per-user unit
func (s *Store) SaveAffectedUser(ctx context.Context, record *storage.AffectedUserRecord) (err error) {
	_, done := s.observe(ctx, "save_affected_user")
	defer func() { done(err) }()

	if record == nil || record.JobID == "" || record.UserID == "" {
		return fmt.Errorf("affected user record requires job and user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.affectedUsers[record.JobID]
	if !ok {
		byUser = make(map[string]*storage.AffectedUserRecord)
		s.affectedUsers[record.JobID] = byUser
	}
	cp := *record
	byUser[record.UserID] = &cp
	return nil
}

// ListAffectedUsers returns a job's per-user records ordered by user ID
func (s *Store) ListAffectedUsers(ctx context.Context, jobID string) (_ []*storage.AffectedUserRecord, err error) {
	_, done := s.observe(ctx, "list_affected_users")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := s.affectedUsers[jobID]
	out := make([]*storage.AffectedUserRecord, 0, len(byUser))
	for _, r := range byUser {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
