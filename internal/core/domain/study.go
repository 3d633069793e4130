package domain

import "time"

// Study represents one visibility measurement run over a manifest
// of queries, surfaces and locations.
type Study struct {
	ID               string
	TenantID         string
	Status           StudyStatus
	Surfaces         []string
	Location         string
	Queries          []string
	QualityGates     QualityGates
	SessionIsolation SessionIsolation
	EvidenceLevel    EvidenceLevel
	Progress         StudyProgress
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	Deadline         time.Time
}

type StudyStatus string

const (
	StudyStatusDraft      StudyStatus = "draft"
	StudyStatusValidating StudyStatus = "validating"
	StudyStatusQueued     StudyStatus = "queued"
	StudyStatusExecuting  StudyStatus = "executing"
	StudyStatusPaused     StudyStatus = "paused"
	StudyStatusCompleting StudyStatus = "completing"
	StudyStatusCompleted  StudyStatus = "completed"
	StudyStatusFailed     StudyStatus = "failed"
	StudyStatusCancelled  StudyStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are accepted.
func (s StudyStatus) IsTerminal() bool {
	switch s {
	case StudyStatusCompleted, StudyStatusFailed, StudyStatusCancelled:
		return true
	}
	return false
}

// StudyProgress holds aggregate job counts for a study.
// Invariant: Completed + Failed + Pending == Total at every observation point.
type StudyProgress struct {
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	PendingJobs   int
	BySurface     map[string]SurfaceProgress
}

// SurfaceProgress breaks progress down per target surface.
type SurfaceProgress struct {
	Total     int
	Completed int
	Failed    int
	Pending   int
}

// Manifest is the validated input a study is expanded from.
type Manifest struct {
	TenantID         string
	Surfaces         []string
	Location         string
	Queries          []string
	QualityGates     QualityGates
	SessionIsolation SessionIsolation
	EvidenceLevel    EvidenceLevel
	Priority         Priority
	MaxAttempts      int
	Deadline         time.Time
}

// QualityGates are minimum acceptance criteria for a surface response.
type QualityGates struct {
	MinResponseChars int
	RequireContent   bool
}

type SessionIsolation string

const (
	IsolationShared            SessionIsolation = "shared"
	IsolationDedicatedPerStudy SessionIsolation = "dedicated_per_study"
)

type EvidenceLevel string

const (
	EvidenceNone       EvidenceLevel = "none"
	EvidenceScreenshot EvidenceLevel = "screenshot"
	EvidenceFull       EvidenceLevel = "full"
)
