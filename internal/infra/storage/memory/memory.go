package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/infra/storage"
)

// MemoryStorage backs all repositories with in-process maps. Used for
// local mode and as the test fake.
type MemoryStorage struct {
	mu          sync.RWMutex
	studies     map[string]*domain.Study
	jobs        map[string]*domain.Job
	checkpoints map[string][]*domain.Checkpoint
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		studies:     make(map[string]*domain.Study),
		jobs:        make(map[string]*domain.Job),
		checkpoints: make(map[string][]*domain.Checkpoint),
	}
}

// -----------------------------------------------------------------------------
// Study Repository
// -----------------------------------------------------------------------------

type StudyRepo struct {
	store *MemoryStorage
}

func NewStudyRepo(store *MemoryStorage) *StudyRepo {
	return &StudyRepo{store: store}
}

func (r *StudyRepo) Create(ctx context.Context, study *domain.Study) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s := *study
	r.store.studies[study.ID] = &s
	return nil
}

func (r *StudyRepo) Get(ctx context.Context, id string) (*domain.Study, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	study, ok := r.store.studies[id]
	if !ok {
		return nil, storage.ErrStudyNotFound
	}
	s := *study
	return &s, nil
}

func (r *StudyRepo) GetByTenant(ctx context.Context, tenantID, id string) (*domain.Study, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	study, ok := r.store.studies[id]
	if !ok || study.TenantID != tenantID {
		return nil, storage.ErrStudyNotFound
	}
	s := *study
	return &s, nil
}

func (r *StudyRepo) UpdateStatus(ctx context.Context, id string, status domain.StudyStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	study, ok := r.store.studies[id]
	if !ok {
		return storage.ErrStudyNotFound
	}
	study.Status = status
	switch status {
	case domain.StudyStatusExecuting:
		if study.StartedAt.IsZero() {
			study.StartedAt = time.Now()
		}
	case domain.StudyStatusCompleted, domain.StudyStatusFailed, domain.StudyStatusCancelled:
		study.CompletedAt = time.Now()
	}
	return nil
}

func (r *StudyRepo) UpdateProgress(ctx context.Context, id string, progress domain.StudyProgress) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	study, ok := r.store.studies[id]
	if !ok {
		return storage.ErrStudyNotFound
	}
	study.Progress = progress
	return nil
}

func (r *StudyRepo) ListByStatus(ctx context.Context, status domain.StudyStatus) ([]*domain.Study, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Study
	for _, study := range r.store.studies {
		if study.Status == status {
			s := *study
			out = append(out, &s)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, job := range jobs {
		j := *job
		r.store.jobs[job.ID] = &j
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	j := *job
	return &j, nil
}

func (r *JobRepo) FindPending(ctx context.Context, studyID string, limit int) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, job := range r.store.jobs {
		if job.StudyID == studyID && job.Status == domain.JobStatusPending {
			j := *job
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority.Rank() != out[k].Priority.Rank() {
			return out[i].Priority.Rank() < out[k].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) FindByStatus(ctx context.Context, studyID string, status domain.JobStatus) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, job := range r.store.jobs {
		if job.StudyID == studyID && job.Status == status {
			j := *job
			out = append(out, &j)
		}
	}
	return out, nil
}

func (r *JobRepo) ClaimJob(ctx context.Context, id string, from, to domain.JobStatus) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return false, storage.ErrJobNotFound
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, lastError string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	// Terminal statuses are idempotent: no further transitions accepted.
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = status
	job.LastError = lastError
	job.UpdatedAt = time.Now()
	return nil
}

func (r *JobRepo) IncrementAttempts(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	job.Attempts++
	job.UpdatedAt = time.Now()
	return nil
}

func (r *JobRepo) StatusCounts(ctx context.Context, studyID string) (storage.StatusCounts, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := storage.StatusCounts{
		ByStatus:  make(map[domain.JobStatus]int),
		BySurface: make(map[string]map[domain.JobStatus]int),
	}
	for _, job := range r.store.jobs {
		if job.StudyID != studyID {
			continue
		}
		counts.ByStatus[job.Status]++
		if counts.BySurface[job.SurfaceID] == nil {
			counts.BySurface[job.SurfaceID] = make(map[domain.JobStatus]int)
		}
		counts.BySurface[job.SurfaceID][job.Status]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func NewCheckpointRepo(store *MemoryStorage) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Create(ctx context.Context, cp *domain.Checkpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cp
	r.store.checkpoints[cp.StudyID] = append(r.store.checkpoints[cp.StudyID], &c)
	return nil
}

func (r *CheckpointRepo) GetLatest(ctx context.Context, studyID string) (*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	cps := r.store.checkpoints[studyID]
	if len(cps) == 0 {
		return nil, nil
	}
	c := *cps[len(cps)-1]
	return &c, nil
}
