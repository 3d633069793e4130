package domain

import "time"

// EventType enumerates executor and orchestrator lifecycle events.
type EventType string

const (
	EventJobStarted    EventType = "job_started"
	EventJobCompleted  EventType = "job_completed"
	EventJobFailed     EventType = "job_failed"
	EventJobRetry      EventType = "job_retry"
	EventWorkerStarted EventType = "worker_started"
	EventWorkerStopped EventType = "worker_stopped"
	EventWorkerError   EventType = "worker_error"

	EventStudyStarted   EventType = "study_started"
	EventStudyPaused    EventType = "study_paused"
	EventStudyResumed   EventType = "study_resumed"
	EventStudyCancelled EventType = "study_cancelled"
	EventStudyCompleted EventType = "study_completed"
	EventStudyFailed    EventType = "study_failed"
)

// Event is a timestamped observability record. Delivery is at-most-once
// and must never block the execution path.
type Event struct {
	Type      EventType
	StudyID   string
	JobID     string
	WorkerID  string
	SurfaceID string
	Detail    map[string]any
	EmittedAt time.Time
}
