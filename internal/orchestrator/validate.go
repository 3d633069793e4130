package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// ManifestValidator is the default Validator. It checks structural
// completeness and flags suspicious but legal values as warnings.
type ManifestValidator struct {
	// KnownSurfaces limits surfaces to a configured set; empty allows any.
	KnownSurfaces []string

	// MaxJobs caps the query x surface expansion; 0 disables the cap.
	MaxJobs int
}

func (v *ManifestValidator) Validate(_ context.Context, m domain.Manifest) ([]ValidationIssue, error) {
	var issues []ValidationIssue
	addError := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Message: msg, Severity: "error"})
	}
	addWarning := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Message: msg, Severity: "warning"})
	}

	if strings.TrimSpace(m.TenantID) == "" {
		addError("tenant_id", "tenant is required")
	}
	if len(m.Queries) == 0 {
		addError("queries", "at least one query is required")
	}
	for i, q := range m.Queries {
		if strings.TrimSpace(q) == "" {
			addError("queries", fmt.Sprintf("query %d is empty", i))
		}
	}
	if len(m.Surfaces) == 0 {
		addError("surfaces", "at least one surface is required")
	}
	if len(v.KnownSurfaces) > 0 {
		for _, s := range m.Surfaces {
			if !contains(v.KnownSurfaces, s) {
				addError("surfaces", fmt.Sprintf("unknown surface %q", s))
			}
		}
	}
	if seen := duplicates(m.Surfaces); len(seen) > 0 {
		addError("surfaces", fmt.Sprintf("duplicate surfaces: %s", strings.Join(seen, ", ")))
	}
	if strings.TrimSpace(m.Location) == "" {
		addError("location", "location is required")
	}

	switch m.SessionIsolation {
	case "", domain.IsolationShared, domain.IsolationDedicatedPerStudy:
	default:
		addError("session_isolation", fmt.Sprintf("unknown mode %q", m.SessionIsolation))
	}
	switch m.EvidenceLevel {
	case "", domain.EvidenceNone, domain.EvidenceScreenshot, domain.EvidenceFull:
	default:
		addError("evidence_level", fmt.Sprintf("unknown level %q", m.EvidenceLevel))
	}
	switch m.Priority {
	case "", domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow:
	default:
		addError("priority", fmt.Sprintf("unknown priority %q", m.Priority))
	}

	if m.MaxAttempts < 0 {
		addError("max_attempts", "must not be negative")
	}
	if m.MaxAttempts > 10 {
		addWarning("max_attempts", "unusually high attempt budget")
	}
	if m.QualityGates.MinResponseChars < 0 {
		addError("quality_gates.min_response_chars", "must not be negative")
	}
	if !m.Deadline.IsZero() && m.Deadline.Before(time.Now()) {
		addError("deadline", "already elapsed")
	}

	if v.MaxJobs > 0 {
		if expanded := len(m.Queries) * len(m.Surfaces); expanded > v.MaxJobs {
			addError("queries", fmt.Sprintf("expands to %d jobs, limit is %d", expanded, v.MaxJobs))
		}
	}

	return issues, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func duplicates(list []string) []string {
	seen := make(map[string]int, len(list))
	var dup []string
	for _, s := range list {
		seen[s]++
		if seen[s] == 2 {
			dup = append(dup, s)
		}
	}
	return dup
}
