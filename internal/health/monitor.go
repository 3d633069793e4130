package health

import (
	"context"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	"github.com/benthamhq/bentham/internal/infra/storage"
	"github.com/benthamhq/bentham/internal/recovery"
)

// Monitor aggregates health status from various system components.
type Monitor struct {
	surfaces   []string
	studies    storage.StudyRepository
	rec        *recovery.Manager
	pool       *executor.Pool
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	surfaces []string,
	studies storage.StudyRepository,
	rec *recovery.Manager,
	pool *executor.Pool,
) *Monitor {
	return &Monitor{
		surfaces: surfaces,
		studies:  studies,
		rec:      rec,
		pool:     pool,
	}
}

// CheckHealth builds a point-in-time report. Checks are rate limited so
// probes cannot hammer the job table.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Surfaces:     make(map[string]SurfaceReport, len(m.surfaces)),
	}

	openCircuits := 0
	for _, surfaceID := range m.surfaces {
		h := m.rec.Health(surfaceID)

		sr := SurfaceReport{
			SurfaceID:           surfaceID,
			Status:              StatusHealthy,
			Circuit:             h.State.String(),
			PreferredMethod:     h.PreferredMethod,
			ConsecutiveFailures: h.ConsecutiveFailures,
			WindowSuccesses:     h.WindowSuccesses,
			WindowFailures:      h.WindowFailures,
		}
		switch h.State {
		case recovery.CircuitOpen:
			sr.Status = StatusCritical
			openCircuits++
		case recovery.CircuitHalfOpen:
			sr.Status = StatusDegraded
		}
		report.Surfaces[surfaceID] = sr
	}

	executing, err := m.studies.ListByStatus(ctx, domain.StudyStatusExecuting)
	if err == nil {
		report.ExecutingStudies = len(executing)
		now := time.Now()
		for _, study := range executing {
			if study.Deadline.IsZero() {
				continue
			}
			if now.After(study.Deadline) && study.Progress.PendingJobs > 0 {
				report.AtRiskStudies++
			}
		}
	}

	if m.pool != nil {
		stats := m.pool.GetStats()
		report.QueueDepth = stats.QueueDepth
		report.WorkersBusy = stats.WorkersByStatus[executor.WorkerBusy]
	}

	// Worst case wins; every surface dark is critical, any open circuit
	// degrades the system.
	if len(m.surfaces) > 0 && openCircuits == len(m.surfaces) {
		report.SystemStatus = StatusCritical
	} else if openCircuits > 0 {
		report.SystemStatus = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
