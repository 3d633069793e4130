package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/metrics"
	"github.com/benthamhq/bentham/internal/recovery"
	"github.com/benthamhq/bentham/internal/session"
	"github.com/benthamhq/bentham/internal/surface"
)

// WorkerStatus is the lifecycle state of one pool slot.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerError   WorkerStatus = "error"
	WorkerStopped WorkerStatus = "stopped"
)

// Worker is one pool slot. The pool is its only external mutator.
type Worker struct {
	ID string

	mu           sync.Mutex
	status       WorkerStatus
	currentJobs  map[string]struct{}
	completed    int64
	failed       int64
	totalExec    time.Duration
	lastActivity time.Time
}

func newWorker(id string) *Worker {
	return &Worker{
		ID:          id,
		status:      WorkerIdle,
		currentJobs: make(map[string]struct{}),
	}
}

// Status returns the worker's current state.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Snapshot returns counters for stats aggregation.
func (w *Worker) Snapshot() (status WorkerStatus, executing int, completed, failed int64, totalExec time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, len(w.currentJobs), w.completed, w.failed, w.totalExec
}

func (w *Worker) jobStarted(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJobs[jobID] = struct{}{}
	w.status = WorkerBusy
	w.lastActivity = time.Now()
}

func (w *Worker) jobFinished(jobID string, success bool, execTime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.currentJobs, jobID)
	if success {
		w.completed++
	} else {
		w.failed++
	}
	w.totalExec += execTime
	if len(w.currentJobs) == 0 && w.status == WorkerBusy {
		w.status = WorkerIdle
	}
	w.lastActivity = time.Now()
}

func (w *Worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
}

// run pulls requests until the context is cancelled or the stop channel
// closes. Concurrency within the worker is bounded by the slot semaphore.
func (w *Worker) run(ctx context.Context, p *Pool, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			// Unrecoverable internal fault: report and let the pool
			// restart this slot. Job-level failures never land here.
			w.setStatus(WorkerError)
			p.bus.Emit(domain.Event{
				Type:     domain.EventWorkerError,
				WorkerID: w.ID,
				Detail:   map[string]any{"panic": r},
			})
			p.reportWorkerFault(w)
			return
		}
		w.setStatus(WorkerStopped)
		p.bus.Emit(domain.Event{Type: domain.EventWorkerStopped, WorkerID: w.ID})
	}()

	p.bus.Emit(domain.Event{Type: domain.EventWorkerStarted, WorkerID: w.ID})

	slots := make(chan struct{}, p.cfg.MaxConcurrentJobsPerWorker)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-stop:
			wg.Wait()
			return
		case req := <-p.queue:
			metrics.QueueDepth.Dec()
			slots <- struct{}{}
			wg.Add(1)
			go func(req domain.JobExecutionRequest) {
				defer wg.Done()
				defer func() {
					<-slots
					if r := recover(); r != nil {
						// Return ownership of the job; it must not be
						// silently dropped.
						slog.Error("Job execution panicked",
							"worker", w.ID, "job", req.JobID, "panic", r)
						p.deps.ReturnToPending(req)
					}
				}()
				w.execute(ctx, p, req)
				if p.cfg.InterRequestDelay > 0 {
					select {
					case <-time.After(p.cfg.InterRequestDelay):
					case <-ctx.Done():
					}
				}
			}(req)
		}
	}
}

// execute runs one attempt end to end: claim, acquire resources, invoke
// the adapter, classify, consult the recovery manager, emit the outcome.
func (w *Worker) execute(ctx context.Context, p *Pool, req domain.JobExecutionRequest) {
	// Cancellation check before any resource acquisition.
	if p.deps.IsCancelled(req.StudyID) {
		p.deps.OnResult(discardedResult(req, w.ID))
		return
	}

	// Claim the job; another instance may have taken it already.
	if !p.deps.Claim(req.JobID) {
		return
	}

	// Circuit pre-check: a tripped surface is rejected without a call.
	if !p.recovery.Usable(req.SurfaceID, req.Method) {
		cerr := &domain.ClassifiedError{
			Type:      domain.FailureBlocked,
			Code:      "circuit_open",
			Message:   "surface circuit is open",
			Retryable: true,
		}
		w.finishFailure(p, req, cerr, domain.ExecutionMetrics{}, false)
		return
	}

	w.jobStarted(req.JobID)
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	p.bus.Emit(domain.Event{
		Type:      domain.EventJobStarted,
		StudyID:   req.StudyID,
		JobID:     req.JobID,
		WorkerID:  w.ID,
		SurfaceID: req.SurfaceID,
		Detail:    map[string]any{"attempt": req.Attempt, "method": string(req.Method)},
	})

	start := time.Now()
	var m domain.ExecutionMetrics

	// Acquire session; wait time is measured and reported.
	sessStart := time.Now()
	sess, err := p.sessions.Acquire(ctx, req.SurfaceID, req.SessionIsolation, req.StudyID)
	m.SessionWaitTime = time.Since(sessStart)
	metrics.SessionWait.WithLabelValues(req.SurfaceID).Observe(m.SessionWaitTime.Seconds())
	if err != nil {
		m.TotalTime = time.Since(start)
		cerr := recovery.Classify(err)
		w.jobFinished(req.JobID, false, m.TotalTime)
		w.finishFailure(p, req, cerr, m, false)
		return
	}

	// Proxy is only needed for proxied browser collection.
	var proxy *session.Handle
	if req.Method == domain.MethodBrowserProxy {
		proxyStart := time.Now()
		proxy, err = p.proxies.Acquire(ctx, req.SurfaceID, domain.IsolationShared, req.StudyID)
		m.ProxyWaitTime = time.Since(proxyStart)
		if err != nil {
			p.sessions.Release(sess)
			m.TotalTime = time.Since(start)
			cerr := recovery.Classify(err)
			w.jobFinished(req.JobID, false, m.TotalTime)
			w.finishFailure(p, req, cerr, m, false)
			return
		}
	}

	adapter, ok := p.adapters[req.Method]
	if !ok {
		p.releaseHandles(sess, proxy)
		cerr := &domain.ClassifiedError{
			Type:      domain.FailureUnknown,
			Code:      "no_adapter",
			Message:   "no adapter for method " + string(req.Method),
			Retryable: false,
		}
		w.jobFinished(req.JobID, false, time.Since(start))
		w.finishFailure(p, req, cerr, m, false)
		return
	}

	qc := surface.QueryContext{
		SessionID:     sess.ID,
		LocationID:    req.LocationID,
		EvidenceLevel: req.EvidenceLevel,
		Timeout:       p.cfg.ExecTimeout,
		TenantID:      req.TenantID,
		StudyID:       req.StudyID,
	}
	if proxy != nil {
		qc.ProxyID = proxy.ID
	}

	surfStart := time.Now()
	result, err := adapter.ExecuteQuery(ctx, req.SurfaceID, req.Query, qc)
	m.SurfaceTime = time.Since(surfStart)
	m.TotalTime = time.Since(start)

	// Quality gates apply to otherwise successful responses.
	var cerr *domain.ClassifiedError
	if err != nil {
		cerr = recovery.Classify(err)
	} else if gateErr := surface.CheckQualityGates(result, req.QualityGates); gateErr != nil {
		cerr = gateErr
	}

	if cerr != nil {
		refreshed := cerr.Type == domain.FailureAuthExpired
		if refreshed {
			p.sessions.Invalidate(sess)
			if proxy != nil {
				p.proxies.Release(proxy)
			}
		} else {
			p.releaseHandles(sess, proxy)
		}
		w.jobFinished(req.JobID, false, m.TotalTime)
		w.finishFailure(p, req, cerr, m, refreshed)
		return
	}

	p.releaseHandles(sess, proxy)
	w.jobFinished(req.JobID, true, m.TotalTime)
	p.recovery.RecordSuccess(req.SurfaceID, req.Method)

	p.bus.Emit(domain.Event{
		Type:      domain.EventJobCompleted,
		StudyID:   req.StudyID,
		JobID:     req.JobID,
		WorkerID:  w.ID,
		SurfaceID: req.SurfaceID,
		Detail:    map[string]any{"attempt": req.Attempt},
	})

	p.deps.OnResult(domain.JobExecutionResult{
		JobID:      req.JobID,
		StudyID:    req.StudyID,
		SurfaceID:  req.SurfaceID,
		Method:     req.Method,
		Attempt:    req.Attempt,
		Success:    true,
		Payload:    result.Content,
		Metrics:    m,
		WorkerID:   w.ID,
		FinishedAt: time.Now(),
	})
}

// finishFailure routes a failed attempt through the recovery manager and
// either re-enqueues it or reports it as terminally failed.
func (w *Worker) finishFailure(
	p *Pool,
	req domain.JobExecutionRequest,
	cerr *domain.ClassifiedError,
	m domain.ExecutionMetrics,
	sessionRefreshed bool,
) {
	decision := p.recovery.Decide(req, cerr)

	switch decision.Action {
	case recovery.ActionRetry, recovery.ActionSwitchMethod, recovery.ActionRefreshSession:
		metrics.JobRetries.WithLabelValues(req.SurfaceID, string(cerr.Type)).Inc()

		next := req
		next.Attempt++
		next.LastFailure = cerr.Type
		if decision.Method != "" {
			next.Method = decision.Method
		}

		p.bus.Emit(domain.Event{
			Type:      domain.EventJobRetry,
			StudyID:   req.StudyID,
			JobID:     req.JobID,
			WorkerID:  w.ID,
			SurfaceID: req.SurfaceID,
			Detail: map[string]any{
				"attempt": next.Attempt,
				"method":  string(next.Method),
				"failure": string(cerr.Type),
				"delay":   decision.Delay.String(),
			},
		})
		p.deps.Requeue(next, decision.Delay)
		return

	case recovery.ActionAbandon:
		p.bus.Emit(domain.Event{
			Type:      domain.EventJobFailed,
			StudyID:   req.StudyID,
			JobID:     req.JobID,
			WorkerID:  w.ID,
			SurfaceID: req.SurfaceID,
			Detail:    map[string]any{"failure": string(cerr.Type), "code": cerr.Code},
		})
		p.deps.OnResult(domain.JobExecutionResult{
			JobID:      req.JobID,
			StudyID:    req.StudyID,
			SurfaceID:  req.SurfaceID,
			Method:     req.Method,
			Attempt:    req.Attempt,
			Success:    false,
			Error:      cerr,
			Metrics:    m,
			WorkerID:   w.ID,
			FinishedAt: time.Now(),
		})
	}
}

func discardedResult(req domain.JobExecutionRequest, workerID string) domain.JobExecutionResult {
	return domain.JobExecutionResult{
		JobID:     req.JobID,
		StudyID:   req.StudyID,
		SurfaceID: req.SurfaceID,
		Method:    req.Method,
		Attempt:   req.Attempt,
		Success:   false,
		Error: &domain.ClassifiedError{
			Type:      domain.FailureUnknown,
			Code:      "cancelled",
			Message:   "study cancelled",
			Retryable: false,
		},
		WorkerID:   workerID,
		FinishedAt: time.Now(),
	}
}
