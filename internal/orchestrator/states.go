package orchestrator

import (
	"errors"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// ErrInvalidTransition is returned when a study transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines the study lifecycle. Key is the current
// status, value the list of valid next statuses. Cancellation from any
// non-terminal status is handled separately.
var ValidTransitions = map[domain.StudyStatus][]domain.StudyStatus{
	domain.StudyStatusDraft:      {domain.StudyStatusValidating},
	domain.StudyStatusValidating: {domain.StudyStatusQueued, domain.StudyStatusFailed},
	domain.StudyStatusQueued:     {domain.StudyStatusExecuting},
	domain.StudyStatusExecuting:  {domain.StudyStatusPaused, domain.StudyStatusCompleting},
	domain.StudyStatusPaused:     {domain.StudyStatusExecuting},
	domain.StudyStatusCompleting: {domain.StudyStatusCompleted, domain.StudyStatusFailed},
}

// CanTransition checks if a transition between statuses is valid.
func CanTransition(from, to domain.StudyStatus) bool {
	if to == domain.StudyStatusCancelled {
		return !from.IsTerminal()
	}
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition records one study status change.
type Transition struct {
	From      domain.StudyStatus
	To        domain.StudyStatus
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a transition record.
func NewTransition(from, to domain.StudyStatus, reason string) Transition {
	return Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()}
}

// IsValid reports whether the state machine allows this transition.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}
