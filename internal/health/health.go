// Package health provides system health monitoring and status reporting.
package health

import "github.com/benthamhq/bentham/internal/core/domain"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// SurfaceReport contains health metrics for one target surface.
type SurfaceReport struct {
	SurfaceID           string                  `json:"surface_id"`
	Status              SystemStatus            `json:"status"`
	Circuit             string                  `json:"circuit"`
	PreferredMethod     domain.CollectionMethod `json:"preferred_method"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	WindowSuccesses     int                     `json:"window_successes"`
	WindowFailures      int                     `json:"window_failures"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus     SystemStatus             `json:"system_status"`
	Surfaces         map[string]SurfaceReport `json:"surfaces"`
	ExecutingStudies int                      `json:"executing_studies"`
	AtRiskStudies    int                      `json:"at_risk_studies"`
	QueueDepth       int                      `json:"queue_depth"`
	WorkersBusy      int                      `json:"workers_busy"`
}
