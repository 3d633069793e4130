package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	"github.com/benthamhq/bentham/internal/infra/storage"
	"github.com/benthamhq/bentham/internal/recovery"
)

var (
	// ErrManifestInvalid is returned when validation rejects a manifest.
	ErrManifestInvalid = errors.New("manifest invalid")
)

// ValidationIssue is one structured finding from manifest validation.
type ValidationIssue struct {
	Field    string
	Message  string
	Severity string // "error" or "warning"
}

// Validator checks a manifest before job expansion. Expected invalid
// input is reported as issues, never as an error return.
type Validator interface {
	Validate(ctx context.Context, m domain.Manifest) ([]ValidationIssue, error)
}

// Submitter feeds execution requests to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, req domain.JobExecutionRequest) error
}

// Coordinator shares dispatch state between engine instances. Optional;
// a nil coordinator keeps everything in-process.
type Coordinator interface {
	AcquireDispatchLock(ctx context.Context, studyID string, ttl time.Duration) (bool, error)
	RefreshDispatchLock(ctx context.Context, studyID string, ttl time.Duration) error
	ReleaseDispatchLock(ctx context.Context, studyID string) error
	ScheduleRetry(ctx context.Context, req domain.JobExecutionRequest, readyAt time.Time) error
	PopDue(ctx context.Context, studyID string, now time.Time) ([]domain.JobExecutionRequest, error)
	SetCancelFlag(ctx context.Context, studyID string, ttl time.Duration) error
	IsCancelled(ctx context.Context, studyID string) (bool, error)
}

// Config tunes orchestration behavior.
type Config struct {
	// CheckpointInterval is the number of processed jobs between
	// checkpoints (not wall-clock).
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// AcceptableFailureRate is the failed/total ratio below which a
	// study with failures still completes rather than fails.
	AcceptableFailureRate float64 `yaml:"acceptable_failure_rate"`

	DispatchBatch    int           `yaml:"dispatch_batch"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	DefaultMaxAttempts int         `yaml:"default_max_attempts"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 25,
		DispatchBatch:      50,
		DispatchInterval:   time.Second,
		DefaultMaxAttempts: 3,
	}
}

// Orchestrator owns the study and job state machines. All state-mutating
// operations are serialized per study, never globally.
type Orchestrator struct {
	cfg         Config
	studies     storage.StudyRepository
	jobs        storage.JobRepository
	checkpoints storage.CheckpointRepository
	validator   Validator
	pool        Submitter
	rec         *recovery.Manager
	bus         *executor.Bus
	coord       Coordinator
	log         *slog.Logger

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	cancelled  map[string]bool
	paused     map[string]bool
	dispatch   map[string]chan struct{} // per-study dispatch loop stop channels
	processed  map[string]int           // jobs processed since last checkpoint
	stateCb    func(studyID string, t Transition)
	runCtx     context.Context
	wg         sync.WaitGroup
}

// New creates an orchestrator.
func New(
	cfg Config,
	studies storage.StudyRepository,
	jobs storage.JobRepository,
	checkpoints storage.CheckpointRepository,
	validator Validator,
	pool Submitter,
	rec *recovery.Manager,
	bus *executor.Bus,
	coord Coordinator,
) *Orchestrator {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 25
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 50
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return &Orchestrator{
		cfg:         cfg,
		studies:     studies,
		jobs:        jobs,
		checkpoints: checkpoints,
		validator:   validator,
		pool:        pool,
		rec:         rec,
		bus:         bus,
		coord:       coord,
		log:         slog.Default(),
		locks:       make(map[string]*sync.Mutex),
		cancelled:   make(map[string]bool),
		paused:      make(map[string]bool),
		dispatch:    make(map[string]chan struct{}),
		processed:   make(map[string]int),
		runCtx:      context.Background(),
	}
}

// SetPool binds the worker pool. The pool's callbacks point back at the
// orchestrator, so construction happens in two steps.
func (o *Orchestrator) SetPool(pool Submitter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pool = pool
}

// SetStateChangeCallback registers a callback for study transitions.
func (o *Orchestrator) SetStateChangeCallback(fn func(studyID string, t Transition)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateCb = fn
}

// Run binds the orchestrator's background loops to a context.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()
}

// Wait blocks until all dispatch loops have stopped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// studyLock returns the per-study mutex, creating it lazily. Unrelated
// studies progress independently.
func (o *Orchestrator) studyLock(studyID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[studyID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[studyID] = lock
	}
	return lock
}

// CreateStudy validates the manifest, expands it into jobs and persists
// the study in queued status.
func (o *Orchestrator) CreateStudy(ctx context.Context, m domain.Manifest) (*domain.Study, error) {
	issues, err := o.validator.Validate(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("validator failed: %w", err)
	}
	for _, issue := range issues {
		if issue.Severity == "error" {
			return nil, fmt.Errorf("%w: %s: %s", ErrManifestInvalid, issue.Field, issue.Message)
		}
		o.log.Warn("Manifest warning", "field", issue.Field, "message", issue.Message)
	}

	maxAttempts := m.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.DefaultMaxAttempts
	}

	study := &domain.Study{
		ID:               uuid.New().String(),
		TenantID:         m.TenantID,
		Status:           domain.StudyStatusQueued,
		Surfaces:         m.Surfaces,
		Location:         m.Location,
		Queries:          m.Queries,
		QualityGates:     m.QualityGates,
		SessionIsolation: m.SessionIsolation,
		EvidenceLevel:    m.EvidenceLevel,
		CreatedAt:        time.Now(),
		Deadline:         m.Deadline,
	}

	// One job per query x surface cell at the target location.
	var jobs []*domain.Job
	now := time.Now()
	for _, query := range m.Queries {
		for _, surfaceID := range m.Surfaces {
			jobs = append(jobs, &domain.Job{
				ID:            uuid.New().String(),
				StudyID:       study.ID,
				TenantID:      m.TenantID,
				Query:         query,
				SurfaceID:     surfaceID,
				LocationID:    m.Location,
				Status:        domain.JobStatusPending,
				MaxAttempts:   maxAttempts,
				Priority:      m.Priority,
				EvidenceLevel: m.EvidenceLevel,
				QualityGates:  m.QualityGates,
				CreatedAt:     now,
			})
		}
	}

	study.Progress = domain.StudyProgress{
		TotalJobs:   len(jobs),
		PendingJobs: len(jobs),
	}

	if err := o.studies.Create(ctx, study); err != nil {
		return nil, fmt.Errorf("failed to persist study: %w", err)
	}
	if err := o.jobs.CreateBatch(ctx, jobs); err != nil {
		// Leave the study failed rather than half-expanded.
		_ = o.studies.UpdateStatus(ctx, study.ID, domain.StudyStatusFailed)
		return nil, fmt.Errorf("failed to persist jobs: %w", err)
	}

	o.log.Info("Study created",
		"study", study.ID, "tenant", study.TenantID, "jobs", len(jobs))
	return study, nil
}

// Start moves a queued study to executing and begins dispatching.
func (o *Orchestrator) Start(ctx context.Context, tenantID, studyID string) error {
	lock := o.studyLock(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.studies.GetByTenant(ctx, tenantID, studyID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, study, domain.StudyStatusExecuting, "start"); err != nil {
		return err
	}

	o.bus.Emit(domain.Event{Type: domain.EventStudyStarted, StudyID: studyID})
	o.startDispatch(studyID)
	return nil
}

// Pause stops new dispatch; in-flight jobs finish normally.
func (o *Orchestrator) Pause(ctx context.Context, tenantID, studyID string) error {
	lock := o.studyLock(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.studies.GetByTenant(ctx, tenantID, studyID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, study, domain.StudyStatusPaused, "pause"); err != nil {
		return err
	}

	o.mu.Lock()
	o.paused[studyID] = true
	o.mu.Unlock()

	if err := o.writeCheckpoint(ctx, studyID); err != nil {
		o.log.Warn("Checkpoint on pause failed", "study", studyID, "error", err)
	}
	o.bus.Emit(domain.Event{Type: domain.EventStudyPaused, StudyID: studyID})
	return nil
}

// Resume re-enables dispatch for a paused study.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, studyID string) error {
	lock := o.studyLock(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.studies.GetByTenant(ctx, tenantID, studyID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, study, domain.StudyStatusExecuting, "resume"); err != nil {
		return err
	}

	o.mu.Lock()
	o.paused[studyID] = false
	o.mu.Unlock()

	o.bus.Emit(domain.Event{Type: domain.EventStudyResumed, StudyID: studyID})
	o.startDispatch(studyID)
	return nil
}

// Cancel moves any non-terminal study to cancelled. In-flight jobs are
// allowed to finish; their results are discarded on return.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, studyID string) error {
	lock := o.studyLock(studyID)
	lock.Lock()
	defer lock.Unlock()

	study, err := o.studies.GetByTenant(ctx, tenantID, studyID)
	if err != nil {
		return err
	}
	if err := o.transition(ctx, study, domain.StudyStatusCancelled, "cancel"); err != nil {
		return err
	}

	o.mu.Lock()
	o.cancelled[studyID] = true
	o.mu.Unlock()
	if o.coord != nil {
		if err := o.coord.SetCancelFlag(ctx, studyID, 24*time.Hour); err != nil {
			o.log.Warn("Failed to set shared cancel flag", "study", studyID, "error", err)
		}
	}

	// Undelivered jobs transition to cancelled immediately.
	for _, status := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued} {
		jobs, err := o.jobs.FindByStatus(ctx, studyID, status)
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if err := o.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusCancelled, "study cancelled"); err != nil {
				return err
			}
		}
	}

	if err := o.refreshProgress(ctx, studyID); err != nil {
		o.log.Warn("Progress refresh on cancel failed", "study", studyID, "error", err)
	}
	if err := o.writeCheckpoint(ctx, studyID); err != nil {
		o.log.Warn("Checkpoint on cancel failed", "study", studyID, "error", err)
	}

	o.bus.Emit(domain.Event{Type: domain.EventStudyCancelled, StudyID: studyID})
	return nil
}

// StudyStatusView is the queryable status snapshot, computed on demand.
type StudyStatusView struct {
	Study    *domain.Study
	Progress domain.StudyProgress
	AtRisk   bool
}

// Status returns current counts even mid-failure.
func (o *Orchestrator) Status(ctx context.Context, tenantID, studyID string) (*StudyStatusView, error) {
	study, err := o.studies.GetByTenant(ctx, tenantID, studyID)
	if err != nil {
		return nil, err
	}
	progress, err := o.progressFromCounts(ctx, studyID)
	if err != nil {
		return nil, err
	}
	return &StudyStatusView{
		Study:    study,
		Progress: progress,
		AtRisk:   o.atRisk(study, progress),
	}, nil
}

// JobResultView is one cell in a results query. Failed cells are listed
// explicitly with their error code rather than omitted.
type JobResultView struct {
	JobID     string
	Query     string
	SurfaceID string
	Status    domain.JobStatus
	ErrorCode string
}

// Results returns whatever subset finished so far.
func (o *Orchestrator) Results(ctx context.Context, tenantID, studyID string) ([]JobResultView, error) {
	if _, err := o.studies.GetByTenant(ctx, tenantID, studyID); err != nil {
		return nil, err
	}

	var out []JobResultView
	for _, status := range []domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed} {
		jobs, err := o.jobs.FindByStatus(ctx, studyID, status)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			out = append(out, JobResultView{
				JobID:     job.ID,
				Query:     job.Query,
				SurfaceID: job.SurfaceID,
				Status:    job.Status,
				ErrorCode: job.LastError,
			})
		}
	}
	return out, nil
}

// transition applies a validated study status change. Callers hold the
// per-study lock.
func (o *Orchestrator) transition(ctx context.Context, study *domain.Study, to domain.StudyStatus, reason string) error {
	if !CanTransition(study.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, study.Status, to)
	}
	if err := o.studies.UpdateStatus(ctx, study.ID, to); err != nil {
		return fmt.Errorf("failed to update study status: %w", err)
	}

	t := NewTransition(study.Status, to, reason)
	study.Status = to

	o.mu.Lock()
	cb := o.stateCb
	o.mu.Unlock()
	if cb != nil {
		cb(study.ID, t)
	}
	return nil
}

// atRisk projects completion time from current throughput against the
// study deadline. Computed, never stored.
func (o *Orchestrator) atRisk(study *domain.Study, progress domain.StudyProgress) bool {
	if study.Deadline.IsZero() || study.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	if now.After(study.Deadline) {
		return progress.PendingJobs > 0
	}
	done := progress.CompletedJobs + progress.FailedJobs
	if done == 0 || study.StartedAt.IsZero() {
		return false
	}
	elapsed := now.Sub(study.StartedAt)
	perJob := elapsed / time.Duration(done)
	projected := now.Add(perJob * time.Duration(progress.PendingJobs))
	return projected.After(study.Deadline)
}

// IsCancelled is the cooperative cancellation check used by dispatch
// and by in-flight workers at their next suspension point.
func (o *Orchestrator) IsCancelled(studyID string) bool {
	o.mu.Lock()
	if o.cancelled[studyID] {
		o.mu.Unlock()
		return true
	}
	o.mu.Unlock()

	if o.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		flagged, err := o.coord.IsCancelled(ctx, studyID)
		if err == nil && flagged {
			o.mu.Lock()
			o.cancelled[studyID] = true
			o.mu.Unlock()
			return true
		}
	}
	return false
}
