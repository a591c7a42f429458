package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/sso-core/instrumentation"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/storage"
)

const (
	// DefaultWorkers is the default size of the per-user worker pool
	DefaultWorkers = 8

	// DefaultPollInterval is how often the dispatcher looks for pending jobs
	// submitted through other instances.
	DefaultPollInterval = 5 * time.Second

	// DefaultStatusCheckEvery is how many units run between two reads of the
	// job status, which is how a cancel issued on another instance is seen.
	DefaultStatusCheckEvery = 20

	// DefaultNotifyTimeout bounds a single notification delivery
	DefaultNotifyTimeout = 10 * time.Second

	// maxClaimCandidates is how many pending jobs the dispatcher tries to
	// claim per round before sleeping.
	maxClaimCandidates = 10
)

var (
	// ErrInvalidJob is returned by Submit for a request with missing or
	// malformed conditions.
	ErrInvalidJob = errors.New("invalid batch job")

	// ErrJobFinished is returned by Cancel for a job in a terminal state.
	ErrJobFinished = errors.New("batch job already finished")
)

// GroupResolver expands a group name to user IDs.
type GroupResolver interface {
	GroupMembers(ctx context.Context, group string) ([]string, error)
}

// Config configures the engine. It is copied by New.
type Config struct {
	// Workers is the number of per-user units processed concurrently
	Workers int // default: 8

	// ExcludeAdminSessions keeps admin sessions alive in emergency jobs
	// unless the job overrides it.
	ExcludeAdminSessions bool

	// PreserveServiceTokens keeps tokens of service clients alive in
	// emergency jobs unless the job overrides it.
	PreserveServiceTokens bool

	PollInterval     time.Duration // default: 5s
	StatusCheckEvery int           // default: 20
	NotifyTimeout    time.Duration // default: 10s
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StatusCheckEvery <= 0 {
		c.StatusCheckEvery = DefaultStatusCheckEvery
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
}

// JobRequest describes a job to submit.
type JobRequest struct {
	Type       storage.JobType
	Initiator  string
	Reason     string
	Conditions storage.JobConditions
	DryRun     bool
	Priority   int

	// ConfirmationToken is the second factor required for emergency jobs
	ConfirmationToken string

	IPAddress string
}

// Report summarizes a job for the admin API.
type Report struct {
	JobID       string            `json:"job_id"`
	Type        storage.JobType   `json:"type"`
	Status      storage.JobStatus `json:"status"`
	DryRun      bool              `json:"dry_run"`
	Progress    int               `json:"progress"`
	Stats       storage.JobStats  `json:"stats"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	DurationMs  int64             `json:"duration_ms"`
	Error       string            `json:"error,omitempty"`
}

// Engine runs batch revocation jobs.
type Engine struct {
	store     storage.Store
	confirmer *Confirmer
	config    Config
	logger    *slog.Logger

	groups   GroupResolver
	notifier Notifier
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	wake chan struct{}

	mu        sync.Mutex
	cancelled map[string]*atomic.Bool
}

// New creates an Engine. A nil confirmer disables emergency jobs.
func New(store storage.Store, confirmer *Confirmer, config Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Engine{
		store:     store,
		confirmer: confirmer,
		config:    config,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		cancelled: make(map[string]*atomic.Bool),
	}, nil
}

// Config returns a copy of the configuration.
func (e *Engine) Config() Config {
	return e.config
}

// SetGroupResolver enables group jobs
func (e *Engine) SetGroupResolver(g GroupResolver) {
	e.groups = g
}

// SetNotifier sets where user notices go
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetAuditor sets the security auditor
func (e *Engine) SetAuditor(a *security.Auditor) {
	e.auditor = a
}

// SetInstrumentation enables metrics and tracing
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	e.metrics = inst.Metrics()
	e.tracer = inst.Tracer("batch")
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Submit validates a request and queues it as a pending job.
func (e *Engine) Submit(ctx context.Context, req JobRequest) (*storage.BatchJob, error) {
	if err := e.validate(ctx, &req); err != nil {
		return nil, err
	}

	if req.Type == storage.JobTypeEmergency {
		if e.confirmer == nil {
			return nil, fmt.Errorf("%w: emergency jobs are not enabled", ErrInvalidJob)
		}
		if err := e.confirmer.Verify(ctx, req.ConfirmationToken, req.Initiator); err != nil {
			e.auditor.LogEvent(ctx, security.Event{
				Type:      security.EventEmergencyConfirmationRejected,
				Severity:  security.SeverityCritical,
				UserID:    req.Initiator,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"error": err.Error()},
			})
			return nil, err
		}
	}

	job := &storage.BatchJob{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Status:     storage.JobPending,
		Initiator:  req.Initiator,
		Reason:     req.Reason,
		Conditions: req.Conditions,
		DryRun:     req.DryRun,
		Priority:   req.Priority,
		CreatedAt:  e.now(),
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create batch job: %w", err)
	}

	e.logger.Info("Batch job submitted",
		"job_id", job.ID,
		"type", job.Type,
		"initiator", job.Initiator,
		"dry_run", job.DryRun,
		"priority", job.Priority)
	e.audit(ctx, job, security.EventBatchJobSubmitted, req.IPAddress, map[string]any{
		"reason":   job.Reason,
		"priority": job.Priority,
	})

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return job, nil
}

func (e *Engine) validate(ctx context.Context, req *JobRequest) error {
	if req.Initiator == "" {
		return fmt.Errorf("%w: initiator is required", ErrInvalidJob)
	}
	cond := req.Conditions

	switch req.Type {
	case storage.JobTypeGroup:
		if cond.Group == "" {
			return fmt.Errorf("%w: group is required", ErrInvalidJob)
		}
		if e.groups == nil {
			return fmt.Errorf("%w: group jobs need a user directory", ErrInvalidJob)
		}
	case storage.JobTypeClient:
		if cond.ClientID == "" {
			return fmt.Errorf("%w: client_id is required", ErrInvalidJob)
		}
		if _, err := e.store.GetClient(ctx, cond.ClientID); err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				return fmt.Errorf("%w: unknown client %q", ErrInvalidJob, cond.ClientID)
			}
			return fmt.Errorf("failed to look up client: %w", err)
		}
	case storage.JobTypeTimeWindow:
		if cond.IssuedBefore.IsZero() {
			return fmt.Errorf("%w: issued_before is required", ErrInvalidJob)
		}
		if !cond.IssuedAfter.IsZero() && !cond.IssuedAfter.Before(cond.IssuedBefore) {
			return fmt.Errorf("%w: issued_after must be before issued_before", ErrInvalidJob)
		}
	case storage.JobTypeConditional:
		if _, err := CompilePredicate(cond.Expression); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
	case storage.JobTypeEmergency:
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, req.Type)
	}
	return nil
}

// Get returns a job.
func (e *Engine) Get(ctx context.Context, id string) (*storage.BatchJob, error) {
	return e.store.GetJob(ctx, id)
}

// List returns jobs, optionally filtered by status.
func (e *Engine) List(ctx context.Context, filter storage.JobFilter) ([]*storage.BatchJob, error) {
	return e.store.ListJobs(ctx, filter)
}

// AffectedUsers returns the per-user records of a job.
func (e *Engine) AffectedUsers(ctx context.Context, id string) ([]*storage.AffectedUserRecord, error) {
	if _, err := e.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListAffectedUsers(ctx, id)
}

// Stats returns the summary of a job.
func (e *Engine) Stats(ctx context.Context, id string) (*Report, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &Report{
		JobID:       job.ID,
		Type:        job.Type,
		Status:      job.Status,
		DryRun:      job.DryRun,
		Progress:    job.Progress,
		Stats:       job.Stats,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
	if !job.StartedAt.IsZero() {
		end := job.CompletedAt
		if end.IsZero() {
			end = job.CancelledAt
		}
		if end.IsZero() {
			end = e.now()
		}
		r.DurationMs = end.Sub(job.StartedAt).Milliseconds()
	}
	return r, nil
}

// Cancel stops a pending or running job. Units that already ran stay
// committed.
func (e *Engine) Cancel(ctx context.Context, id, initiator string) (*storage.BatchJob, error) {
	job, err := e.store.TransitionJob(ctx, id,
		[]storage.JobStatus{storage.JobPending, storage.JobProcessing},
		storage.JobCancelled,
		storage.JobUpdate{At: e.now()})
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: %w", ErrJobFinished, err)
	}
	if err != nil {
		return nil, err
	}

	e.markCancelled(id)

	e.logger.Info("Batch job cancelled", "job_id", id, "by", initiator)
	e.audit(ctx, job, security.EventBatchJobCancelled, "", map[string]any{
		"cancelled_by": initiator,
		"progress":     job.Progress,
	})
	return job, nil
}

// track registers the in-process cancellation flag of a running job.
func (e *Engine) track(id string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := new(atomic.Bool)
	e.cancelled[id] = f
	return f
}

func (e *Engine) markCancelled(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.cancelled[id]; ok {
		f.Store(true)
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, id)
}

// Start runs the dispatcher until ctx is done. It processes one job at a
// time, highest priority first.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			ran, err := e.RunNext(ctx)
			if err != nil {
				e.logger.Error("Failed to dispatch batch job", "error", err)
				break
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// RunNext claims the highest priority pending job and runs it to the end.
// It reports whether a job was run.
func (e *Engine) RunNext(ctx context.Context) (bool, error) {
	pending, err := e.store.ListJobs(ctx, storage.JobFilter{
		Statuses: []storage.JobStatus{storage.JobPending},
		Limit:    maxClaimCandidates,
	})
	if err != nil {
		return false, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	for _, candidate := range pending {
		job, err := e.store.TransitionJob(ctx, candidate.ID,
			[]storage.JobStatus{storage.JobPending},
			storage.JobProcessing,
			storage.JobUpdate{At: e.now()})
		if errors.Is(err, storage.ErrStatusConflict) {
			// claimed or cancelled elsewhere
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim job %s: %w", candidate.ID, err)
		}
		e.run(ctx, job)
		return true, nil
	}
	return false, nil
}

func (e *Engine) audit(ctx context.Context, job *storage.BatchJob, eventType, ip string, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	details["job_id"] = job.ID
	details["job_type"] = string(job.Type)
	details["dry_run"] = job.DryRun

	severity := security.SeverityInfo
	if job.Type == storage.JobTypeEmergency {
		severity = security.SeverityCritical
		details["batch_event"] = eventType
		eventType = security.EventEmergencyRevocation
	}
	e.auditor.LogEvent(ctx, security.Event{
		Type:      eventType,
		Severity:  severity,
		UserID:    job.Initiator,
		IPAddress: ip,
		Details:   details,
	})
}
