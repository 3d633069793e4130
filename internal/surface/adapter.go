package surface

import (
	"context"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// QueryContext carries everything an adapter needs to run one query.
type QueryContext struct {
	SessionID     string
	ProxyID       string
	LocationID    string
	EvidenceLevel domain.EvidenceLevel
	Timeout       time.Duration
	TenantID      string
	StudyID       string
}

// QueryResult is the raw outcome of one surface query.
type QueryResult struct {
	Content    string
	Evidence   map[string]string
	RetrievedAt time.Time
}

// Adapter queries one AI surface through one collection method.
type Adapter interface {
	// ExecuteQuery runs a single query against the surface. It must
	// respect qc.Timeout and return an error classifiable by the
	// recovery layer.
	ExecuteQuery(ctx context.Context, surfaceID, query string, qc QueryContext) (*QueryResult, error)

	// Method reports the collection method this adapter implements.
	Method() domain.CollectionMethod
}

// Registry maps collection methods to adapters.
type Registry map[domain.CollectionMethod]Adapter

// CheckQualityGates validates a result against the job's gates,
// returning a classified quality-gate failure when it falls short.
func CheckQualityGates(result *QueryResult, gates domain.QualityGates) *domain.ClassifiedError {
	if gates.RequireContent && len(result.Content) == 0 {
		return &domain.ClassifiedError{
			Type:      domain.FailureQualityGate,
			Code:      "quality_gate",
			Message:   "response has no content",
			Retryable: true,
		}
	}
	if gates.MinResponseChars > 0 && len(result.Content) < gates.MinResponseChars {
		return &domain.ClassifiedError{
			Type:      domain.FailureQualityGate,
			Code:      "quality_gate",
			Message:   "response shorter than minimum",
			Retryable: true,
		}
	}
	return nil
}
