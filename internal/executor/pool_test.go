package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/recovery"
	"github.com/benthamhq/bentham/internal/session"
	"github.com/benthamhq/bentham/internal/surface"
)

// flakyAdapter fails designated jobs a configured number of times, then
// succeeds.
type flakyAdapter struct {
	mu       sync.Mutex
	failures map[string]int
	calls    int
}

func (a *flakyAdapter) ExecuteQuery(ctx context.Context, surfaceID, query string, qc surface.QueryContext) (*surface.QueryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if left := a.failures[query]; left > 0 {
		a.failures[query] = left - 1
		return nil, errors.New("connection reset")
	}
	return &surface.QueryResult{Content: "a sufficiently long answer", RetrievedAt: time.Now()}, nil
}

func (a *flakyAdapter) Method() domain.CollectionMethod { return domain.MethodAPI }

func (a *flakyAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	mu      sync.Mutex
	pool    *Pool
	results []domain.JobExecutionResult
	done    chan struct{}
	want    int
}

func (h *harness) deps() Deps {
	return Deps{
		Claim:       func(jobID string) bool { return true },
		IsCancelled: func(studyID string) bool { return false },
		OnResult: func(res domain.JobExecutionResult) {
			h.mu.Lock()
			h.results = append(h.results, res)
			n := len(h.results)
			h.mu.Unlock()
			if n == h.want {
				close(h.done)
			}
		},
		Requeue: func(req domain.JobExecutionRequest, delay time.Duration) {
			// Immediate resubmission; backoff timing is covered by the
			// policy tests.
			go func() {
				_ = h.pool.Submit(context.Background(), req)
			}()
		},
		ReturnToPending: func(req domain.JobExecutionRequest) {},
	}
}

func newHarness(t *testing.T, cfg Config, adapter surface.Adapter, want int) (*harness, *Pool) {
	t.Helper()
	h := &harness{done: make(chan struct{}), want: want}

	rec := recovery.NewManager(
		recovery.Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		recovery.NewBreaker(recovery.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute}),
		nil,
	)
	adapters := surface.Registry{domain.MethodAPI: adapter}
	sessions := session.NewPool("session", session.PoolConfig{MaxPerSurface: 8, AcquireTimeout: time.Second})
	proxies := session.NewPool("proxy", session.PoolConfig{MaxPerSurface: 8, AcquireTimeout: time.Second})

	pool := NewPool(cfg, h.deps(), adapters, sessions, proxies, rec, NewBus(64))
	h.pool = pool
	return h, pool
}

func TestPoolRunsStudyToCompletion(t *testing.T) {
	adapter := &flakyAdapter{failures: map[string]int{
		"query-3": 1,
		"query-7": 1,
	}}

	h, pool := newHarness(t, Config{
		Workers:                    2,
		MaxConcurrentJobsPerWorker: 1,
		QueueSize:                  32,
		ExecTimeout:                time.Second,
	}, adapter, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		req := domain.JobExecutionRequest{
			JobID:       fmt.Sprintf("job-%d", i),
			StudyID:     "study-1",
			Query:       fmt.Sprintf("query-%d", i),
			SurfaceID:   "chatgpt",
			Method:      domain.MethodAPI,
			Attempt:     1,
			MaxAttempts: 3,
		}
		if err := pool.Submit(ctx, req); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.mu.Lock()
		n := len(h.results)
		h.mu.Unlock()
		t.Fatalf("Timed out with %d/10 results", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	completed, failed := 0, 0
	for _, res := range h.results {
		if res.Success {
			completed++
		} else {
			failed++
		}
	}
	if completed != 10 || failed != 0 {
		t.Errorf("Expected 10 completed and 0 failed, got %d/%d", completed, failed)
	}

	// Two jobs needed a second attempt.
	if adapter.callCount() != 12 {
		t.Errorf("Expected 12 adapter calls, got %d", adapter.callCount())
	}
}

func TestPoolAbandonsAfterMaxAttempts(t *testing.T) {
	adapter := &flakyAdapter{failures: map[string]int{"query-0": 100}}

	h, pool := newHarness(t, Config{
		Workers:                    1,
		MaxConcurrentJobsPerWorker: 1,
		QueueSize:                  8,
		ExecTimeout:                time.Second,
	}, adapter, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	req := domain.JobExecutionRequest{
		JobID:       "job-0",
		StudyID:     "study-1",
		Query:       "query-0",
		SurfaceID:   "chatgpt",
		Method:      domain.MethodAPI,
		Attempt:     1,
		MaxAttempts: 3,
	}
	if err := pool.Submit(ctx, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for terminal result")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	res := h.results[0]
	if res.Success {
		t.Fatal("Expected a failed result")
	}
	if res.Attempt != 3 {
		t.Errorf("Expected failure on attempt 3, got %d", res.Attempt)
	}
	if res.Error == nil || res.Error.Type != domain.FailureNetwork {
		t.Errorf("Expected classified network failure, got %v", res.Error)
	}
}

func TestPoolDiscardsCancelledStudy(t *testing.T) {
	adapter := &flakyAdapter{failures: map[string]int{}}
	h, pool := newHarness(t, Config{
		Workers:                    1,
		MaxConcurrentJobsPerWorker: 1,
		QueueSize:                  8,
		ExecTimeout:                time.Second,
	}, adapter, 1)

	// Override cancellation for this study.
	deps := h.deps()
	deps.IsCancelled = func(studyID string) bool { return studyID == "study-cancelled" }
	pool.deps = deps

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	req := domain.JobExecutionRequest{
		JobID:     "job-0",
		StudyID:   "study-cancelled",
		Query:     "query-0",
		SurfaceID: "chatgpt",
		Method:    domain.MethodAPI,
		Attempt:   1, MaxAttempts: 3,
	}
	if err := pool.Submit(ctx, req); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for discarded result")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	res := h.results[0]
	if res.Success {
		t.Fatal("Cancelled study must not produce a success")
	}
	if res.Error == nil || res.Error.Code != "cancelled" {
		t.Errorf("Expected cancelled code, got %v", res.Error)
	}
	if adapter.callCount() != 0 {
		t.Errorf("No surface call should happen for a cancelled study, got %d", adapter.callCount())
	}
}

func TestPoolStats(t *testing.T) {
	adapter := &flakyAdapter{failures: map[string]int{}}
	h, pool := newHarness(t, Config{
		Workers:                    2,
		MaxConcurrentJobsPerWorker: 1,
		QueueSize:                  8,
		ExecTimeout:                time.Second,
	}, adapter, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		_ = pool.Submit(ctx, domain.JobExecutionRequest{
			JobID: fmt.Sprintf("job-%d", i), StudyID: "s", Query: "q",
			SurfaceID: "chatgpt", Method: domain.MethodAPI,
			Attempt: 1, MaxAttempts: 3,
		})
	}
	<-h.done

	stats := pool.GetStats()
	if stats.TotalCompleted != 4 {
		t.Errorf("Expected 4 completed, got %d", stats.TotalCompleted)
	}
	if stats.TotalFailed != 0 {
		t.Errorf("Expected 0 failed, got %d", stats.TotalFailed)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("Expected success rate 1.0, got %f", stats.SuccessRate)
	}
	total := 0
	for _, n := range stats.WorkersByStatus {
		total += n
	}
	if total != 2 {
		t.Errorf("Expected 2 workers, got %d", total)
	}
}
