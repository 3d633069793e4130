package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/infra/storage"
)

// StudyRepo implements storage.StudyRepository using PostgreSQL.
type StudyRepo struct {
	db *DB
}

func NewStudyRepo(db *DB) *StudyRepo {
	return &StudyRepo{db: db}
}

type studyRow struct {
	ID               string         `db:"id"`
	TenantID         string         `db:"tenant_id"`
	Status           string         `db:"status"`
	Surfaces         pq.StringArray `db:"surfaces"`
	Location         string         `db:"location"`
	Queries          pq.StringArray `db:"queries"`
	QualityGates     []byte         `db:"quality_gates"`
	SessionIsolation string         `db:"session_isolation"`
	EvidenceLevel    string         `db:"evidence_level"`
	TotalJobs        int            `db:"total_jobs"`
	CompletedJobs    int            `db:"completed_jobs"`
	FailedJobs       int            `db:"failed_jobs"`
	PendingJobs      int            `db:"pending_jobs"`
	CreatedAt        time.Time      `db:"created_at"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	Deadline         sql.NullTime   `db:"deadline"`
}

func (r studyRow) toDomain() (*domain.Study, error) {
	var gates domain.QualityGates
	if len(r.QualityGates) > 0 {
		if err := json.Unmarshal(r.QualityGates, &gates); err != nil {
			return nil, fmt.Errorf("failed to decode quality gates: %w", err)
		}
	}
	study := &domain.Study{
		ID:               r.ID,
		TenantID:         r.TenantID,
		Status:           domain.StudyStatus(r.Status),
		Surfaces:         r.Surfaces,
		Location:         r.Location,
		Queries:          r.Queries,
		QualityGates:     gates,
		SessionIsolation: domain.SessionIsolation(r.SessionIsolation),
		EvidenceLevel:    domain.EvidenceLevel(r.EvidenceLevel),
		Progress: domain.StudyProgress{
			TotalJobs:     r.TotalJobs,
			CompletedJobs: r.CompletedJobs,
			FailedJobs:    r.FailedJobs,
			PendingJobs:   r.PendingJobs,
		},
		CreatedAt: r.CreatedAt,
	}
	if r.StartedAt.Valid {
		study.StartedAt = r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		study.CompletedAt = r.CompletedAt.Time
	}
	if r.Deadline.Valid {
		study.Deadline = r.Deadline.Time
	}
	return study, nil
}

const studyColumns = `id, tenant_id, status, surfaces, location, queries, quality_gates,
	session_isolation, evidence_level, total_jobs, completed_jobs, failed_jobs,
	pending_jobs, created_at, started_at, completed_at, deadline`

func (r *StudyRepo) Create(ctx context.Context, study *domain.Study) error {
	gates, err := json.Marshal(study.QualityGates)
	if err != nil {
		return fmt.Errorf("failed to encode quality gates: %w", err)
	}

	query := `
		INSERT INTO studies (id, tenant_id, status, surfaces, location, queries,
			quality_gates, session_isolation, evidence_level, total_jobs,
			completed_jobs, failed_jobs, pending_jobs, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14)
	`
	var deadline sql.NullTime
	if !study.Deadline.IsZero() {
		deadline = sql.NullTime{Time: study.Deadline, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, query,
		study.ID, study.TenantID, string(study.Status),
		pq.Array(study.Surfaces), study.Location, pq.Array(study.Queries),
		gates, string(study.SessionIsolation), string(study.EvidenceLevel),
		study.Progress.TotalJobs, study.Progress.CompletedJobs,
		study.Progress.FailedJobs, study.Progress.PendingJobs, deadline,
	)
	if err != nil {
		return fmt.Errorf("failed to create study: %w", err)
	}
	return nil
}

func (r *StudyRepo) Get(ctx context.Context, id string) (*domain.Study, error) {
	var row studyRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+studyColumns+` FROM studies WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrStudyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study: %w", err)
	}
	return row.toDomain()
}

func (r *StudyRepo) GetByTenant(ctx context.Context, tenantID, id string) (*domain.Study, error) {
	var row studyRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+studyColumns+` FROM studies WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrStudyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study: %w", err)
	}
	return row.toDomain()
}

func (r *StudyRepo) UpdateStatus(ctx context.Context, id string, status domain.StudyStatus) error {
	query := `
		UPDATE studies
		SET status = $2,
		    started_at = CASE WHEN $2 = 'executing' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update study status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrStudyNotFound
	}
	return nil
}

func (r *StudyRepo) UpdateProgress(ctx context.Context, id string, progress domain.StudyProgress) error {
	query := `
		UPDATE studies
		SET total_jobs = $2, completed_jobs = $3, failed_jobs = $4, pending_jobs = $5
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id,
		progress.TotalJobs, progress.CompletedJobs, progress.FailedJobs, progress.PendingJobs)
	if err != nil {
		return fmt.Errorf("failed to update study progress: %w", err)
	}
	return nil
}

func (r *StudyRepo) ListByStatus(ctx context.Context, status domain.StudyStatus) ([]*domain.Study, error) {
	var rows []studyRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+studyColumns+` FROM studies WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list studies: %w", err)
	}
	out := make([]*domain.Study, 0, len(rows))
	for _, row := range rows {
		study, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, study)
	}
	return out, nil
}
