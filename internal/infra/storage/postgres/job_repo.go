package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/infra/storage"
)

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID            string    `db:"id"`
	StudyID       string    `db:"study_id"`
	TenantID      string    `db:"tenant_id"`
	Query         string    `db:"query"`
	SurfaceID     string    `db:"surface_id"`
	LocationID    string    `db:"location_id"`
	Status        string    `db:"status"`
	Attempts      int       `db:"attempts"`
	MaxAttempts   int       `db:"max_attempts"`
	Priority      string    `db:"priority"`
	PriorityRank  int       `db:"priority_rank"`
	EvidenceLevel string    `db:"evidence_level"`
	QualityGates  []byte    `db:"quality_gates"`
	LastError     string    `db:"last_error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r jobRow) toDomain() (*domain.Job, error) {
	var gates domain.QualityGates
	if len(r.QualityGates) > 0 {
		if err := json.Unmarshal(r.QualityGates, &gates); err != nil {
			return nil, fmt.Errorf("failed to decode quality gates: %w", err)
		}
	}
	return &domain.Job{
		ID:            r.ID,
		StudyID:       r.StudyID,
		TenantID:      r.TenantID,
		Query:         r.Query,
		SurfaceID:     r.SurfaceID,
		LocationID:    r.LocationID,
		Status:        domain.JobStatus(r.Status),
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		Priority:      domain.Priority(r.Priority),
		EvidenceLevel: domain.EvidenceLevel(r.EvidenceLevel),
		QualityGates:  gates,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

const jobColumns = `id, study_id, tenant_id, query, surface_id, location_id, status,
	attempts, max_attempts, priority, priority_rank, evidence_level, quality_gates,
	last_error, created_at, updated_at`

func (r *JobRepo) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO jobs (id, study_id, tenant_id, query, surface_id, location_id,
			status, attempts, max_attempts, priority, priority_rank, evidence_level,
			quality_gates, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, '', NOW(), NOW())
	`
	for _, job := range jobs {
		gates, err := json.Marshal(job.QualityGates)
		if err != nil {
			return fmt.Errorf("failed to encode quality gates: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			job.ID, job.StudyID, job.TenantID, job.Query, job.SurfaceID, job.LocationID,
			string(job.Status), job.Attempts, job.MaxAttempts,
			string(job.Priority), job.Priority.Rank(), string(job.EvidenceLevel), gates,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (r *JobRepo) FindPending(ctx context.Context, studyID string, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE study_id = $1 AND status = 'pending'
		ORDER BY priority_rank ASC, created_at ASC
	`
	args := []any{studyID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find pending jobs: %w", err)
	}
	return rowsToJobs(rows)
}

func (r *JobRepo) FindByStatus(ctx context.Context, studyID string, status domain.JobStatus) ([]*domain.Job, error) {
	var rows []jobRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE study_id = $1 AND status = $2 ORDER BY created_at ASC`,
		studyID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs by status: %w", err)
	}
	return rowsToJobs(rows)
}

// ClaimJob is a compare-and-set transition. The WHERE clause on the old
// status makes double-dispatch impossible when multiple orchestrator
// instances share the jobs table.
func (r *JobRepo) ClaimJob(ctx context.Context, id string, from, to domain.JobStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, lastError string) error {
	// Terminal states are sticky: the status filter rejects any further
	// transition attempts, making terminal application idempotent.
	query := `
		UPDATE jobs
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	_, err := r.db.ExecContext(ctx, query, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (r *JobRepo) IncrementAttempts(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

func (r *JobRepo) StatusCounts(ctx context.Context, studyID string) (storage.StatusCounts, error) {
	type countRow struct {
		SurfaceID string `db:"surface_id"`
		Status    string `db:"status"`
		Count     int    `db:"count"`
	}
	var rows []countRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT surface_id, status, COUNT(*) AS count FROM jobs WHERE study_id = $1 GROUP BY surface_id, status`,
		studyID)
	if err != nil {
		return storage.StatusCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := storage.StatusCounts{
		ByStatus:  make(map[domain.JobStatus]int),
		BySurface: make(map[string]map[domain.JobStatus]int),
	}
	for _, row := range rows {
		status := domain.JobStatus(row.Status)
		counts.ByStatus[status] += row.Count
		if counts.BySurface[row.SurfaceID] == nil {
			counts.BySurface[row.SurfaceID] = make(map[domain.JobStatus]int)
		}
		counts.BySurface[row.SurfaceID][status] += row.Count
	}
	return counts, nil
}

func rowsToJobs(rows []jobRow) ([]*domain.Job, error) {
	out := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
