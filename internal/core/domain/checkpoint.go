package domain

import "time"

// Checkpoint is an immutable snapshot of a study's progress.
// Append-only; used to resume aggregation after a restart.
type Checkpoint struct {
	ID        string
	StudyID   string
	Progress  StudyProgress
	CreatedAt time.Time
}
