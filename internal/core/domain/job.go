package domain

import "time"

// Job is one (query, surface, location) cell of a study.
type Job struct {
	ID            string
	StudyID       string
	TenantID      string
	Query         string
	SurfaceID     string
	LocationID    string
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	Priority      Priority
	EvidenceLevel EvidenceLevel
	QualityGates  QualityGates
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job accepts no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the dispatch order of a priority; lower dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}
