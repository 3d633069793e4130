package domain

import "time"

// CollectionMethod is the technique used to query a surface.
type CollectionMethod string

const (
	MethodAPI          CollectionMethod = "api"
	MethodBrowserCDP   CollectionMethod = "browser-cdp"
	MethodBrowserProxy CollectionMethod = "browser-proxy"
)

// FailureType classifies a failed execution attempt.
type FailureType string

const (
	FailureRateLimited FailureType = "rate_limited"
	FailureAuthExpired FailureType = "auth_expired"
	FailureBlocked     FailureType = "blocked"
	FailureNetwork     FailureType = "network"
	FailureTimeout     FailureType = "timeout"
	FailureQualityGate FailureType = "quality_gate"
	FailureUnknown     FailureType = "unknown"
)

// JobExecutionRequest carries everything a surface adapter needs to run
// one attempt, without referencing storage.
type JobExecutionRequest struct {
	JobID            string
	StudyID          string
	TenantID         string
	Query            string
	SurfaceID        string
	LocationID       string
	Method           CollectionMethod
	Attempt          int
	MaxAttempts      int
	Priority         Priority
	EvidenceLevel    EvidenceLevel
	QualityGates     QualityGates
	SessionIsolation SessionIsolation

	// LastFailure carries the failure type of the previous attempt so
	// one-shot recovery paths (fresh session, quality-gate re-run) are
	// not repeated indefinitely.
	LastFailure FailureType
}

// JobExecutionResult is the immutable outcome of one attempt.
type JobExecutionResult struct {
	JobID     string
	StudyID   string
	SurfaceID string
	Method    CollectionMethod
	Attempt   int
	Success   bool
	Payload   string
	Error     *ClassifiedError
	Metrics   ExecutionMetrics
	WorkerID  string
	FinishedAt time.Time
}

// ClassifiedError is an execution error with its failure class attached.
type ClassifiedError struct {
	Type      FailureType
	Code      string
	Message   string
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return e.Code + ": " + e.Message
}

// ExecutionMetrics captures where one attempt spent its time.
type ExecutionMetrics struct {
	TotalTime       time.Duration
	SessionWaitTime time.Duration
	ProxyWaitTime   time.Duration
	SurfaceTime     time.Duration
}
