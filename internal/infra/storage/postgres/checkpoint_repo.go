package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// CheckpointRepo implements storage.CheckpointRepository using PostgreSQL.
// Checkpoints are append-only; rows are never updated.
type CheckpointRepo struct {
	db *DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func (r *CheckpointRepo) Create(ctx context.Context, cp *domain.Checkpoint) error {
	surfaces, err := json.Marshal(cp.Progress.BySurface)
	if err != nil {
		return fmt.Errorf("failed to encode surface breakdown: %w", err)
	}

	query := `
		INSERT INTO checkpoints (id, study_id, total_jobs, completed_jobs,
			failed_jobs, pending_jobs, by_surface, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		cp.ID, cp.StudyID,
		cp.Progress.TotalJobs, cp.Progress.CompletedJobs,
		cp.Progress.FailedJobs, cp.Progress.PendingJobs, surfaces)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

func (r *CheckpointRepo) GetLatest(ctx context.Context, studyID string) (*domain.Checkpoint, error) {
	var row struct {
		ID            string    `db:"id"`
		StudyID       string    `db:"study_id"`
		TotalJobs     int       `db:"total_jobs"`
		CompletedJobs int       `db:"completed_jobs"`
		FailedJobs    int       `db:"failed_jobs"`
		PendingJobs   int       `db:"pending_jobs"`
		BySurface     []byte    `db:"by_surface"`
		CreatedAt     time.Time `db:"created_at"`
	}

	query := `
		SELECT id, study_id, total_jobs, completed_jobs, failed_jobs,
			pending_jobs, by_surface, created_at
		FROM checkpoints
		WHERE study_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &row, query, studyID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	bySurface := make(map[string]domain.SurfaceProgress)
	if len(row.BySurface) > 0 {
		if err := json.Unmarshal(row.BySurface, &bySurface); err != nil {
			return nil, fmt.Errorf("failed to decode surface breakdown: %w", err)
		}
	}

	return &domain.Checkpoint{
		ID:      row.ID,
		StudyID: row.StudyID,
		Progress: domain.StudyProgress{
			TotalJobs:     row.TotalJobs,
			CompletedJobs: row.CompletedJobs,
			FailedJobs:    row.FailedJobs,
			PendingJobs:   row.PendingJobs,
			BySurface:     bySurface,
		},
		CreatedAt: row.CreatedAt,
	}, nil
}
