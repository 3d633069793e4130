package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	"github.com/benthamhq/bentham/internal/metrics"
)

// Deps returns the callback set wired into the worker pool.
func (o *Orchestrator) Deps() executor.Deps {
	return executor.Deps{
		Claim:           o.Claim,
		OnResult:        o.HandleResult,
		Requeue:         o.Requeue,
		ReturnToPending: o.ReturnToPending,
		IsCancelled:     o.IsCancelled,
	}
}

// startDispatch launches the per-study dispatch loop if one is not
// already running. Callers hold the study lock.
func (o *Orchestrator) startDispatch(studyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.dispatch[studyID]; running {
		return
	}
	stop := make(chan struct{})
	o.dispatch[studyID] = stop
	ctx := o.runCtx

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.dispatchLoop(ctx, studyID, stop)
	}()
}

// stopDispatch signals the study's dispatch loop to exit.
func (o *Orchestrator) stopDispatch(studyID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if stop, ok := o.dispatch[studyID]; ok {
		close(stop)
		delete(o.dispatch, studyID)
	}
}

// dispatchLockTTL covers several dispatch ticks so a live owner never
// loses its lock between refreshes.
const dispatchLockTTL = 30 * time.Second

// dispatchLoop claims pending jobs in priority order and feeds them to
// the pool until the study leaves executing or the engine shuts down.
// With a coordinator, exactly one engine instance holds the study's
// dispatch lock at a time.
func (o *Orchestrator) dispatchLoop(ctx context.Context, studyID string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()

	locked := false
	defer func() {
		if locked && o.coord != nil {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = o.coord.ReleaseDispatchLock(rctx, studyID)
		}
	}()

	o.log.Info("Dispatch loop started", "study", studyID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			o.log.Info("Dispatch loop stopped", "study", studyID)
			return
		case <-ticker.C:
			if o.IsCancelled(studyID) || o.isPaused(studyID) || !o.dispatchable(ctx, studyID) {
				o.stopDispatch(studyID)
				return
			}
			if o.coord != nil {
				var err error
				if locked {
					err = o.coord.RefreshDispatchLock(ctx, studyID, dispatchLockTTL)
					locked = err == nil
				} else {
					locked, err = o.coord.AcquireDispatchLock(ctx, studyID, dispatchLockTTL)
				}
				if err != nil {
					o.log.Warn("Dispatch lock error", "study", studyID, "error", err)
				}
				if !locked {
					// Another instance is dispatching this study.
					continue
				}
			}
			if err := o.dispatchDueRetries(ctx, studyID); err != nil {
				o.log.Error("Retry dispatch failed", "study", studyID, "error", err)
			}
			if err := o.dispatchBatch(ctx, studyID); err != nil {
				o.log.Error("Dispatch failed", "study", studyID, "error", err)
			}
		}
	}
}

// dispatchable re-reads the persisted study status. A pause or cancel
// served by another engine instance only updates storage, so the lock
// holder must notice it here rather than in its local flag maps.
func (o *Orchestrator) dispatchable(ctx context.Context, studyID string) bool {
	study, err := o.studies.Get(ctx, studyID)
	if err != nil {
		o.log.Warn("Study lookup failed during dispatch", "study", studyID, "error", err)
		// A transient read failure should not stop dispatch.
		return true
	}
	switch study.Status {
	case domain.StudyStatusExecuting:
		return true
	case domain.StudyStatusPaused:
		o.mu.Lock()
		o.paused[studyID] = true
		o.mu.Unlock()
	case domain.StudyStatusCancelled:
		o.mu.Lock()
		o.cancelled[studyID] = true
		o.mu.Unlock()
	}
	return false
}

func (o *Orchestrator) isPaused(studyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused[studyID]
}

// dispatchBatch claims up to DispatchBatch pending jobs. The claim is a
// compare-and-set on status so concurrent dispatchers never double-send.
func (o *Orchestrator) dispatchBatch(ctx context.Context, studyID string) error {
	jobs, err := o.jobs.FindPending(ctx, studyID, o.cfg.DispatchBatch)
	if err != nil {
		return fmt.Errorf("failed to find pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		// Nothing left to send; the study may be ready to finalize,
		// e.g. after resuming once all in-flight jobs had finished.
		lock := o.studyLock(studyID)
		lock.Lock()
		err := o.maybeFinish(ctx, studyID)
		lock.Unlock()
		return err
	}

	for _, job := range jobs {
		claimed, err := o.jobs.ClaimJob(ctx, job.ID, domain.JobStatusPending, domain.JobStatusQueued)
		if err != nil {
			return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !claimed {
			continue
		}
		req := o.buildRequest(job)
		if err := o.pool.Submit(ctx, req); err != nil {
			// Pool rejected the request; put the job back so it is
			// picked up on a later tick.
			_ = o.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusPending, "")
			return fmt.Errorf("submit failed: %w", err)
		}
	}
	return nil
}

// dispatchDueRetries drains the shared retry schedule for requests whose
// backoff has elapsed.
func (o *Orchestrator) dispatchDueRetries(ctx context.Context, studyID string) error {
	if o.coord == nil {
		return nil
	}
	due, err := o.coord.PopDue(ctx, studyID, time.Now())
	if err != nil {
		return err
	}
	for _, req := range due {
		if err := o.pool.Submit(ctx, req); err != nil {
			// Push back with no further delay rather than lose it.
			if schedErr := o.coord.ScheduleRetry(ctx, req, time.Now()); schedErr != nil {
				o.log.Error("Failed to reschedule retry", "job", req.JobID, "error", schedErr)
			}
			return fmt.Errorf("submit retry failed: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) buildRequest(job *domain.Job) domain.JobExecutionRequest {
	method := o.rec.PreferredMethod(job.SurfaceID)
	isolation := domain.IsolationShared
	if study, err := o.studies.Get(context.Background(), job.StudyID); err == nil {
		isolation = study.SessionIsolation
	}
	return domain.JobExecutionRequest{
		JobID:            job.ID,
		StudyID:          job.StudyID,
		TenantID:         job.TenantID,
		Query:            job.Query,
		SurfaceID:        job.SurfaceID,
		LocationID:       job.LocationID,
		Method:           method,
		Attempt:          job.Attempts + 1,
		MaxAttempts:      job.MaxAttempts,
		Priority:         job.Priority,
		EvidenceLevel:    job.EvidenceLevel,
		QualityGates:     job.QualityGates,
		SessionIsolation: isolation,
	}
}

// Claim transitions a job queued to executing before a worker runs it.
func (o *Orchestrator) Claim(jobID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	claimed, err := o.jobs.ClaimJob(ctx, jobID, domain.JobStatusQueued, domain.JobStatusExecuting)
	if err != nil {
		o.log.Error("Claim failed", "job", jobID, "error", err)
		return false
	}
	if claimed {
		if err := o.jobs.IncrementAttempts(ctx, jobID); err != nil {
			o.log.Warn("Failed to bump attempts", "job", jobID, "error", err)
		}
	}
	return claimed
}

// HandleResult applies a terminal attempt outcome to the job and study.
func (o *Orchestrator) HandleResult(res domain.JobExecutionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lock := o.studyLock(res.StudyID)
	lock.Lock()
	defer lock.Unlock()

	if o.IsCancelled(res.StudyID) {
		// Job already moved to cancelled when the study was; the
		// in-flight result is discarded.
		_ = o.jobs.UpdateStatus(ctx, res.JobID, domain.JobStatusCancelled, "study cancelled")
		return
	}

	if res.Success {
		if err := o.jobs.UpdateStatus(ctx, res.JobID, domain.JobStatusCompleted, ""); err != nil {
			o.log.Error("Failed to complete job", "job", res.JobID, "error", err)
			return
		}
		metrics.JobsProcessed.WithLabelValues(res.SurfaceID, string(domain.JobStatusCompleted)).Inc()
	} else {
		code := "unknown"
		if res.Error != nil {
			code = res.Error.Code
		}
		if err := o.jobs.UpdateStatus(ctx, res.JobID, domain.JobStatusFailed, code); err != nil {
			o.log.Error("Failed to fail job", "job", res.JobID, "error", err)
			return
		}
		metrics.JobsProcessed.WithLabelValues(res.SurfaceID, string(domain.JobStatusFailed)).Inc()
	}

	if err := o.refreshProgress(ctx, res.StudyID); err != nil {
		o.log.Warn("Progress refresh failed", "study", res.StudyID, "error", err)
	}

	o.mu.Lock()
	o.processed[res.StudyID]++
	due := o.processed[res.StudyID] >= o.cfg.CheckpointInterval
	if due {
		o.processed[res.StudyID] = 0
	}
	o.mu.Unlock()
	if due {
		if err := o.writeCheckpoint(ctx, res.StudyID); err != nil {
			o.log.Warn("Checkpoint failed", "study", res.StudyID, "error", err)
		}
	}

	if err := o.maybeFinish(ctx, res.StudyID); err != nil {
		o.log.Error("Completion check failed", "study", res.StudyID, "error", err)
	}
}

// Requeue schedules a retry attempt after its backoff delay. With a
// coordinator the schedule survives a crash; without one the timer is
// in-process only and recovery re-dispatches the job from its status.
func (o *Orchestrator) Requeue(req domain.JobExecutionRequest, delay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.jobs.UpdateStatus(ctx, req.JobID, domain.JobStatusQueued, ""); err != nil {
		o.log.Error("Failed to requeue job", "job", req.JobID, "error", err)
		return
	}

	if o.coord != nil {
		if err := o.coord.ScheduleRetry(ctx, req, time.Now().Add(delay)); err == nil {
			return
		}
		o.log.Warn("Shared retry schedule unavailable, falling back to timer", "job", req.JobID)
	}

	o.mu.Lock()
	runCtx := o.runCtx
	o.mu.Unlock()
	time.AfterFunc(delay, func() {
		if o.IsCancelled(req.StudyID) {
			return
		}
		if err := o.pool.Submit(runCtx, req); err != nil {
			o.log.Error("Retry submit failed", "job", req.JobID, "error", err)
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = o.jobs.UpdateStatus(sctx, req.JobID, domain.JobStatusPending, "")
		}
	})
}

// ReturnToPending gives a job back after a worker fault.
func (o *Orchestrator) ReturnToPending(req domain.JobExecutionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.jobs.UpdateStatus(ctx, req.JobID, domain.JobStatusPending, ""); err != nil {
		o.log.Error("Failed to return job to pending", "job", req.JobID, "error", err)
	}
}

// progressFromCounts derives progress from the job table. Anything not
// yet terminal counts as pending so the total always balances.
func (o *Orchestrator) progressFromCounts(ctx context.Context, studyID string) (domain.StudyProgress, error) {
	counts, err := o.jobs.StatusCounts(ctx, studyID)
	if err != nil {
		return domain.StudyProgress{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	progress := domain.StudyProgress{
		TotalJobs:     counts.Total(),
		CompletedJobs: counts.ByStatus[domain.JobStatusCompleted],
		FailedJobs:    counts.ByStatus[domain.JobStatusFailed] + counts.ByStatus[domain.JobStatusCancelled],
		BySurface:     make(map[string]domain.SurfaceProgress, len(counts.BySurface)),
	}
	progress.PendingJobs = progress.TotalJobs - progress.CompletedJobs - progress.FailedJobs

	for surface, byStatus := range counts.BySurface {
		sp := domain.SurfaceProgress{
			Completed: byStatus[domain.JobStatusCompleted],
			Failed:    byStatus[domain.JobStatusFailed] + byStatus[domain.JobStatusCancelled],
		}
		for _, n := range byStatus {
			sp.Total += n
		}
		sp.Pending = sp.Total - sp.Completed - sp.Failed
		progress.BySurface[surface] = sp
	}
	return progress, nil
}

func (o *Orchestrator) refreshProgress(ctx context.Context, studyID string) error {
	progress, err := o.progressFromCounts(ctx, studyID)
	if err != nil {
		return err
	}
	return o.studies.UpdateProgress(ctx, studyID, progress)
}

// writeCheckpoint appends a durable progress snapshot.
func (o *Orchestrator) writeCheckpoint(ctx context.Context, studyID string) error {
	progress, err := o.progressFromCounts(ctx, studyID)
	if err != nil {
		return err
	}
	return o.checkpoints.Create(ctx, &domain.Checkpoint{
		ID:        uuid.New().String(),
		StudyID:   studyID,
		Progress:  progress,
		CreatedAt: time.Now(),
	})
}

// maybeFinish finalizes a study once no jobs remain in flight. A study
// with failures still completes when the failure rate stays within the
// configured tolerance. Callers hold the study lock.
func (o *Orchestrator) maybeFinish(ctx context.Context, studyID string) error {
	counts, err := o.jobs.StatusCounts(ctx, studyID)
	if err != nil {
		return err
	}
	open := counts.ByStatus[domain.JobStatusPending] +
		counts.ByStatus[domain.JobStatusQueued] +
		counts.ByStatus[domain.JobStatusExecuting]
	if open > 0 {
		return nil
	}

	study, err := o.studies.Get(ctx, studyID)
	if err != nil {
		return err
	}
	switch study.Status {
	case domain.StudyStatusExecuting:
		if err := o.transition(ctx, study, domain.StudyStatusCompleting, "all jobs terminal"); err != nil {
			return err
		}
	case domain.StudyStatusCompleting:
		// Interrupted mid-finalization; fall through and finish.
	default:
		return nil
	}
	if err := o.writeCheckpoint(ctx, studyID); err != nil {
		o.log.Warn("Final checkpoint failed", "study", studyID, "error", err)
	}

	total := counts.Total()
	failed := counts.ByStatus[domain.JobStatusFailed]
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}

	final := domain.StudyStatusCompleted
	event := domain.EventStudyCompleted
	if failed > 0 && rate > o.cfg.AcceptableFailureRate {
		final = domain.StudyStatusFailed
		event = domain.EventStudyFailed
	}
	if err := o.transition(ctx, study, final, fmt.Sprintf("failure rate %.2f", rate)); err != nil {
		return err
	}

	o.stopDispatch(studyID)
	o.bus.Emit(domain.Event{Type: event, StudyID: studyID, Detail: map[string]any{
		"completed": counts.ByStatus[domain.JobStatusCompleted],
		"failed":    failed,
	}})
	o.log.Info("Study finished", "study", studyID, "status", final,
		"completed", counts.ByStatus[domain.JobStatusCompleted], "failed", failed)
	return nil
}

// Recover resumes interrupted studies after a restart. Jobs stranded in
// queued or executing are returned to pending; progress is rebuilt from
// job statuses, never trusted from the last write. Paused studies get
// the same job reset so a later Resume finds dispatchable work, but no
// dispatch starts for them.
func (o *Orchestrator) Recover(ctx context.Context) error {
	for _, status := range []domain.StudyStatus{domain.StudyStatusExecuting, domain.StudyStatusCompleting, domain.StudyStatusPaused} {
		studies, err := o.studies.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s studies: %w", status, err)
		}
		for _, study := range studies {
			if err := o.recoverStudy(ctx, study); err != nil {
				o.log.Error("Study recovery failed", "study", study.ID, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) recoverStudy(ctx context.Context, study *domain.Study) error {
	lock := o.studyLock(study.ID)
	lock.Lock()
	defer lock.Unlock()

	reset := 0
	for _, status := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusExecuting} {
		jobs, err := o.jobs.FindByStatus(ctx, study.ID, status)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := o.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusPending, ""); err != nil {
				return err
			}
			reset++
		}
	}

	if err := o.refreshProgress(ctx, study.ID); err != nil {
		return err
	}

	cp, err := o.checkpoints.GetLatest(ctx, study.ID)
	if err != nil {
		o.log.Warn("Checkpoint lookup failed", "study", study.ID, "error", err)
	}
	if cp != nil {
		o.log.Info("Resuming from checkpoint", "study", study.ID,
			"checkpoint", cp.ID, "completed", cp.Progress.CompletedJobs, "reset", reset)
	} else {
		o.log.Info("Resuming without checkpoint", "study", study.ID, "reset", reset)
	}

	switch study.Status {
	case domain.StudyStatusExecuting:
		o.startDispatch(study.ID)
	case domain.StudyStatusCompleting:
		// Interrupted mid-finalization; re-run the completion check.
		if err := o.maybeFinish(ctx, study.ID); err != nil {
			return err
		}
	case domain.StudyStatusPaused:
		o.mu.Lock()
		o.paused[study.ID] = true
		o.mu.Unlock()
	}
	return nil
}
