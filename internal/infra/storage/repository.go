package storage

import (
	"context"
	"errors"

	"github.com/benthamhq/bentham/internal/core/domain"
)

var (
	// ErrStudyNotFound is returned when a study doesn't exist.
	ErrStudyNotFound = errors.New("study not found")

	// ErrJobNotFound is returned when a job doesn't exist.
	ErrJobNotFound = errors.New("job not found")
)

// StudyRepository handles study persistence.
type StudyRepository interface {
	// Create persists a new study.
	Create(ctx context.Context, study *domain.Study) error

	// Get retrieves a study by id.
	Get(ctx context.Context, id string) (*domain.Study, error)

	// GetByTenant retrieves a study scoped to a tenant.
	GetByTenant(ctx context.Context, tenantID, id string) (*domain.Study, error)

	// UpdateStatus updates study status (atomic single-row operation).
	UpdateStatus(ctx context.Context, id string, status domain.StudyStatus) error

	// UpdateProgress replaces the stored aggregate progress.
	UpdateProgress(ctx context.Context, id string, progress domain.StudyProgress) error

	// ListByStatus retrieves studies in the given status.
	ListByStatus(ctx context.Context, status domain.StudyStatus) ([]*domain.Study, error)
}

// JobRepository handles job persistence.
type JobRepository interface {
	// CreateBatch persists all jobs of a study in one transaction.
	CreateBatch(ctx context.Context, jobs []*domain.Job) error

	// Get retrieves a job by id.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// FindPending retrieves pending jobs for a study ordered by
	// priority rank then creation order.
	FindPending(ctx context.Context, studyID string, limit int) ([]*domain.Job, error)

	// FindByStatus retrieves jobs of a study in the given status.
	FindByStatus(ctx context.Context, studyID string, status domain.JobStatus) ([]*domain.Job, error)

	// ClaimJob transitions a job from one status to another only if it is
	// still in the expected status. Returns false when another actor
	// already claimed the job.
	ClaimJob(ctx context.Context, id string, from, to domain.JobStatus) (bool, error)

	// UpdateStatus updates job status unconditionally, recording the
	// classified error code for failures.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, lastError string) error

	// IncrementAttempts bumps the attempt counter.
	IncrementAttempts(ctx context.Context, id string) error

	// StatusCounts returns job counts by status for a study, broken down
	// per surface. Progress is always derived from these counts, never
	// from in-memory aggregation.
	StatusCounts(ctx context.Context, studyID string) (StatusCounts, error)
}

// StatusCounts holds job counts grouped by status and surface.
type StatusCounts struct {
	ByStatus  map[domain.JobStatus]int
	BySurface map[string]map[domain.JobStatus]int
}

// Total returns the number of jobs across all statuses.
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c.ByStatus {
		total += n
	}
	return total
}

// CheckpointRepository handles append-only progress snapshots.
type CheckpointRepository interface {
	// Create appends a checkpoint.
	Create(ctx context.Context, cp *domain.Checkpoint) error

	// GetLatest retrieves the most recent checkpoint for a study.
	GetLatest(ctx context.Context, studyID string) (*domain.Checkpoint, error)
}
