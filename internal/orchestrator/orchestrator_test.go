package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	"github.com/benthamhq/bentham/internal/infra/storage/memory"
	"github.com/benthamhq/bentham/internal/recovery"
)

type fakePool struct {
	mu        sync.Mutex
	submitted []domain.JobExecutionRequest
}

func (p *fakePool) Submit(_ context.Context, req domain.JobExecutionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	return nil
}

// countingCheckpoints wraps the memory repo to count writes.
type countingCheckpoints struct {
	*memory.CheckpointRepo
	mu      sync.Mutex
	created int
}

func (c *countingCheckpoints) Create(ctx context.Context, cp *domain.Checkpoint) error {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return c.CheckpointRepo.Create(ctx, cp)
}

func (c *countingCheckpoints) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

type testEnv struct {
	orch        *Orchestrator
	store       *memory.MemoryStorage
	studies     *memory.StudyRepo
	jobs        *memory.JobRepo
	checkpoints *countingCheckpoints
	pool        *fakePool
}

// newTestEnv builds an orchestrator over memory storage. The dispatch
// interval is long enough that loops stay quiet; tests drive job
// lifecycles by hand for determinism.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = time.Hour
	}

	store := memory.NewMemoryStorage()
	studies := memory.NewStudyRepo(store)
	jobs := memory.NewJobRepo(store)
	checkpoints := &countingCheckpoints{CheckpointRepo: memory.NewCheckpointRepo(store)}
	pool := &fakePool{}

	breaker := recovery.NewBreaker(recovery.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute})
	rec := recovery.NewManager(recovery.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Second}, breaker,
		map[string][]domain.CollectionMethod{})

	orch := New(cfg, studies, jobs, checkpoints,
		&ManifestValidator{KnownSurfaces: []string{"chatgpt-web", "perplexity"}},
		pool, rec, executor.NewBus(256), nil)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Run(ctx)
	t.Cleanup(func() {
		cancel()
		orch.Wait()
	})

	return &testEnv{orch: orch, store: store, studies: studies, jobs: jobs, checkpoints: checkpoints, pool: pool}
}

func testManifest(queries ...string) domain.Manifest {
	if len(queries) == 0 {
		queries = []string{"best crm software"}
	}
	return domain.Manifest{
		TenantID: "tenant-1",
		Queries:  queries,
		Surfaces: []string{"chatgpt-web", "perplexity"},
		Location: "us-east",
	}
}

// runAllJobs drives every remaining non-terminal job through the claim
// path and reports the outcome chosen by pick.
func (e *testEnv) runAllJobs(t *testing.T, studyID string, pick func(job *domain.Job) bool) {
	t.Helper()
	ctx := context.Background()
	for {
		pending, err := e.jobs.FindPending(ctx, studyID, 0)
		if err != nil {
			t.Fatalf("FindPending failed: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		for _, job := range pending {
			if _, err := e.jobs.ClaimJob(ctx, job.ID, domain.JobStatusPending, domain.JobStatusQueued); err != nil {
				t.Fatalf("claim to queued failed: %v", err)
			}
			if !e.orch.Claim(job.ID) {
				t.Fatalf("Expected claim of job %s to succeed", job.ID)
			}
			res := domain.JobExecutionResult{
				JobID:     job.ID,
				StudyID:   studyID,
				SurfaceID: job.SurfaceID,
				Attempt:   1,
				Success:   pick(job),
			}
			if !res.Success {
				res.Error = &domain.ClassifiedError{Type: domain.FailureNetwork, Code: "connection_refused"}
			}
			e.orch.HandleResult(res)
		}
	}
}

func TestCreateStudyExpandsJobs(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2", "q3"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if study.Status != domain.StudyStatusQueued {
		t.Errorf("Expected status queued, got %s", study.Status)
	}
	if study.Progress.TotalJobs != 6 || study.Progress.PendingJobs != 6 {
		t.Errorf("Expected 6 total and 6 pending, got %d/%d",
			study.Progress.TotalJobs, study.Progress.PendingJobs)
	}

	jobs, err := env.jobs.FindPending(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(jobs) != 6 {
		t.Fatalf("Expected 6 jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.MaxAttempts != 3 {
			t.Errorf("Expected default max attempts 3, got %d", job.MaxAttempts)
		}
	}
}

func TestCreateStudyRejectsInvalidManifest(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	m := testManifest()
	m.Queries = nil
	if _, err := env.orch.CreateStudy(context.Background(), m); !errors.Is(err, ErrManifestInvalid) {
		t.Errorf("Expected ErrManifestInvalid, got %v", err)
	}

	m = testManifest()
	m.Surfaces = []string{"gemini-web"}
	if _, err := env.orch.CreateStudy(context.Background(), m); !errors.Is(err, ErrManifestInvalid) {
		t.Errorf("Expected ErrManifestInvalid for unknown surface, got %v", err)
	}
}

func TestStudyCompletesWhenAllJobsSucceed(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	env.runAllJobs(t, study.ID, func(*domain.Job) bool { return true })

	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if got.Progress.CompletedJobs != 4 || got.Progress.PendingJobs != 0 {
		t.Errorf("Expected 4 completed and 0 pending, got %d/%d",
			got.Progress.CompletedJobs, got.Progress.PendingJobs)
	}
}

func TestStudyFailsBeyondFailureTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptableFailureRate = 0.2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2", "q3", "q4", "q5"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 4 of 10 cells fail, well past the 20% tolerance.
	failed := 0
	env.runAllJobs(t, study.ID, func(*domain.Job) bool {
		failed++
		return failed > 4
	})

	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusFailed {
		t.Errorf("Expected status failed, got %s", got.Status)
	}
}

func TestStudyCompletesWithinFailureTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcceptableFailureRate = 0.2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2", "q3", "q4", "q5"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 1 of 10 cells fails, within tolerance.
	failed := false
	env.runAllJobs(t, study.ID, func(*domain.Job) bool {
		if !failed {
			failed = true
			return false
		}
		return true
	})

	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusCompleted {
		t.Errorf("Expected status completed, got %s", got.Status)
	}
	if got.Progress.FailedJobs != 1 {
		t.Errorf("Expected 1 failed job, got %d", got.Progress.FailedJobs)
	}
}

func TestProgressInvariantHoldsThroughout(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2", "q3"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	n := 0
	env.runAllJobs(t, study.ID, func(*domain.Job) bool {
		n++
		status, err := env.orch.Status(ctx, "tenant-1", study.ID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		p := status.Progress
		if p.CompletedJobs+p.FailedJobs+p.PendingJobs != p.TotalJobs {
			t.Errorf("Progress does not balance after %d results: %d+%d+%d != %d",
				n-1, p.CompletedJobs, p.FailedJobs, p.PendingJobs, p.TotalJobs)
		}
		return n%3 != 0
	})
}

func TestPauseBlocksInvalidStates(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest())
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	// Still queued, never started.
	if err := env.orch.Pause(ctx, "tenant-1", study.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestPauseWritesCheckpointAndResumeContinues(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := env.orch.Pause(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	cp, err := env.checkpoints.GetLatest(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if cp == nil {
		t.Fatal("Expected a checkpoint after pause")
	}
	if cp.Progress.TotalJobs != 4 {
		t.Errorf("Expected checkpoint total 4, got %d", cp.Progress.TotalJobs)
	}

	if err := env.orch.Resume(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusExecuting {
		t.Errorf("Expected status executing after resume, got %s", got.Status)
	}
}

func TestCheckpointEveryInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2", "q3"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	env.runAllJobs(t, study.ID, func(*domain.Job) bool { return true })

	// 6 results at interval 2 gives 3 interval checkpoints plus the
	// final one on completion.
	if got := env.checkpoints.count(); got != 4 {
		t.Errorf("Expected 4 checkpoints, got %d", got)
	}
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One job is mid-execution when the cancel lands.
	pending, err := env.jobs.FindPending(ctx, study.ID, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("FindPending failed: %v (%d jobs)", err, len(pending))
	}
	inflight := pending[0]
	if _, err := env.jobs.ClaimJob(ctx, inflight.ID, domain.JobStatusPending, domain.JobStatusQueued); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !env.orch.Claim(inflight.ID) {
		t.Fatal("Expected claim to succeed")
	}

	if err := env.orch.Cancel(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !env.orch.IsCancelled(study.ID) {
		t.Error("Expected IsCancelled to report true")
	}

	// The in-flight job finishes successfully after the cancel; its
	// result is discarded rather than recorded.
	env.orch.HandleResult(domain.JobExecutionResult{
		JobID:     inflight.ID,
		StudyID:   study.ID,
		SurfaceID: inflight.SurfaceID,
		Attempt:   1,
		Success:   true,
	})

	job, err := env.jobs.Get(ctx, inflight.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != domain.JobStatusCancelled {
		t.Errorf("Expected in-flight job cancelled, got %s", job.Status)
	}

	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", got.Status)
	}
	for _, j := range mustJobs(t, env, study.ID, domain.JobStatusPending) {
		t.Errorf("Expected no pending jobs after cancel, found %s", j.ID)
	}
}

func TestCancelledStudyStaysCancelled(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest())
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Cancel(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestResultsListsFailedCellsExplicitly(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := true
	env.runAllJobs(t, study.ID, func(*domain.Job) bool {
		ok := !first
		first = false
		return ok
	})

	results, err := env.orch.Results(ctx, "tenant-1", study.ID)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 result cells, got %d", len(results))
	}
	var failedCells int
	for _, r := range results {
		if r.Status == domain.JobStatusFailed {
			failedCells++
			if r.ErrorCode != "connection_refused" {
				t.Errorf("Expected error code connection_refused, got %q", r.ErrorCode)
			}
		}
	}
	if failedCells != 1 {
		t.Errorf("Expected 1 failed cell, got %d", failedCells)
	}
}

func TestRecoverResetsInFlightJobs(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1", "q2"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Simulate a crash with two jobs stranded mid-flight.
	pending, err := env.jobs.FindPending(ctx, study.ID, 2)
	if err != nil || len(pending) != 2 {
		t.Fatalf("FindPending failed: %v (%d jobs)", err, len(pending))
	}
	if _, err := env.jobs.ClaimJob(ctx, pending[0].ID, domain.JobStatusPending, domain.JobStatusQueued); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := env.jobs.ClaimJob(ctx, pending[1].ID, domain.JobStatusPending, domain.JobStatusQueued); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !env.orch.Claim(pending[1].ID) {
		t.Fatal("Expected claim to succeed")
	}

	if err := env.orch.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.jobs.FindPending(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("FindPending failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Expected all 4 jobs back in pending, got %d", len(got))
	}
}

func TestRecoverFinalizesInterruptedCompletion(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}

	// All jobs finished but the crash landed between entering
	// completing and recording the final status.
	for _, job := range mustJobs(t, env, study.ID, domain.JobStatusPending) {
		if err := env.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, ""); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}
	if err := env.studies.UpdateStatus(ctx, study.ID, domain.StudyStatusCompleting); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	if err := env.orch.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusCompleted {
		t.Errorf("Expected status completed after recovery, got %s", got.Status)
	}
}

func TestRecoverResetsJobsOfPausedStudy(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest("q1"))
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One job is mid-flight when the pause lands, then the process dies.
	pending, err := env.jobs.FindPending(ctx, study.ID, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("FindPending failed: %v (%d jobs)", err, len(pending))
	}
	inflight := pending[0]
	if _, err := env.jobs.ClaimJob(ctx, inflight.ID, domain.JobStatusPending, domain.JobStatusQueued); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !env.orch.Claim(inflight.ID) {
		t.Fatal("Expected claim to succeed")
	}
	if err := env.orch.Pause(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if err := env.orch.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	job, err := env.jobs.Get(ctx, inflight.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != domain.JobStatusPending {
		t.Errorf("Expected stranded job back in pending, got %s", job.Status)
	}
	got, err := env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusPaused {
		t.Errorf("Expected study to stay paused through recovery, got %s", got.Status)
	}

	// The study is fully runnable again after an operator resumes.
	if err := env.orch.Resume(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	env.runAllJobs(t, study.ID, func(*domain.Job) bool { return true })

	got, err = env.studies.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StudyStatusCompleted {
		t.Errorf("Expected status completed after resume, got %s", got.Status)
	}
}

func TestDispatchableTracksPersistedStatus(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest())
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !env.orch.dispatchable(ctx, study.ID) {
		t.Error("Expected executing study to be dispatchable")
	}

	// A pause served by another engine instance only touches storage.
	if err := env.studies.UpdateStatus(ctx, study.ID, domain.StudyStatusPaused); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if env.orch.dispatchable(ctx, study.ID) {
		t.Error("Expected remotely paused study to stop dispatching")
	}
	if !env.orch.isPaused(study.ID) {
		t.Error("Expected local pause flag to be synced from storage")
	}
}

func TestDispatchLoopHonorsRemotePause(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	study, err := env.orch.CreateStudy(ctx, testManifest())
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Another instance pauses the study through storage alone.
	if err := env.studies.UpdateStatus(ctx, study.ID, domain.StudyStatusPaused); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.orch.mu.Lock()
		_, running := env.orch.dispatch[study.ID]
		env.orch.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected dispatch loop to stop after pause written by another instance")
}

func TestStatusReportsAtRiskPastDeadline(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	m := testManifest("q1", "q2")
	m.Deadline = time.Now().Add(50 * time.Millisecond)
	study, err := env.orch.CreateStudy(ctx, m)
	if err != nil {
		t.Fatalf("CreateStudy failed: %v", err)
	}
	if err := env.orch.Start(ctx, "tenant-1", study.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	status, err := env.orch.Status(ctx, "tenant-1", study.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.AtRisk {
		t.Error("Expected study past its deadline with pending jobs to be at risk")
	}
}

func mustJobs(t *testing.T, env *testEnv, studyID string, status domain.JobStatus) []*domain.Job {
	t.Helper()
	jobs, err := env.jobs.FindByStatus(context.Background(), studyID, status)
	if err != nil {
		t.Fatalf("FindByStatus failed: %v", err)
	}
	return jobs
}
