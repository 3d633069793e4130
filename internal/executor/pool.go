package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/metrics"
	"github.com/benthamhq/bentham/internal/recovery"
	"github.com/benthamhq/bentham/internal/session"
	"github.com/benthamhq/bentham/internal/surface"
)

// Config bounds the pool's concurrency.
type Config struct {
	Workers                    int           `yaml:"workers"`
	MinWorkers                 int           `yaml:"min_workers"`
	MaxWorkers                 int           `yaml:"max_workers"`
	MaxConcurrentJobsPerWorker int           `yaml:"max_concurrent_jobs_per_worker"`
	QueueSize                  int           `yaml:"queue_size"`
	ExecTimeout                time.Duration `yaml:"exec_timeout"`
	InterRequestDelay          time.Duration `yaml:"inter_request_delay"`
	AutoscaleInterval          time.Duration `yaml:"autoscale_interval"`
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                    4,
		MaxConcurrentJobsPerWorker: 1,
		QueueSize:                  256,
		ExecTimeout:                90 * time.Second,
	}
}

// Deps are the callbacks the pool needs from the orchestrator side.
type Deps struct {
	// Claim transitions the job queued→executing; false means another
	// actor owns it and the request is skipped.
	Claim func(jobID string) bool

	// OnResult receives terminal execution results.
	OnResult func(domain.JobExecutionResult)

	// Requeue schedules a retry attempt after the given delay.
	Requeue func(req domain.JobExecutionRequest, delay time.Duration)

	// ReturnToPending gives a job back after a worker fault so it is
	// never silently dropped.
	ReturnToPending func(req domain.JobExecutionRequest)

	// IsCancelled reports whether the study was cancelled.
	IsCancelled func(studyID string) bool
}

// Pool maintains the bounded set of workers executing job requests.
type Pool struct {
	cfg      Config
	deps     Deps
	adapters surface.Registry
	sessions *session.Pool
	proxies  *session.Pool
	recovery *recovery.Manager
	bus      *Bus
	log      *slog.Logger

	queue chan domain.JobExecutionRequest

	mu      sync.Mutex
	workers map[string]*Worker
	stops   map[string]chan struct{}
	running atomic.Bool
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewPool creates a worker pool. Deps must be fully populated.
func NewPool(
	cfg Config,
	deps Deps,
	adapters surface.Registry,
	sessions, proxies *session.Pool,
	rec *recovery.Manager,
	bus *Bus,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxConcurrentJobsPerWorker <= 0 {
		cfg.MaxConcurrentJobsPerWorker = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 90 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		deps:     deps,
		adapters: adapters,
		sessions: sessions,
		proxies:  proxies,
		recovery: rec,
		bus:      bus,
		log:      slog.Default(),
		queue:    make(chan domain.JobExecutionRequest, cfg.QueueSize),
		workers:  make(map[string]*Worker),
		stops:    make(map[string]chan struct{}),
	}
}

// Start spins up the initial workers and, when configured, the
// autoscaler loop.
func (p *Pool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pool already running")
	}
	p.ctx = ctx

	for i := 0; i < p.cfg.Workers; i++ {
		p.addWorker()
	}

	if p.cfg.MinWorkers > 0 && p.cfg.MaxWorkers > p.cfg.MinWorkers {
		interval := p.cfg.AutoscaleInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		p.wg.Add(1)
		go p.autoscale(ctx, interval)
	}

	return nil
}

// Stop waits for all workers to drain.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	for _, stop := range p.stops {
		close(stop)
	}
	p.stops = make(map[string]chan struct{})
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit enqueues a request for execution. It blocks when the queue is
// full so the dispatch loop applies backpressure.
func (p *Pool) Submit(ctx context.Context, req domain.JobExecutionRequest) error {
	select {
	case p.queue <- req:
		metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued requests.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Stats is an on-demand snapshot of pool state.
type Stats struct {
	WorkersByStatus  map[WorkerStatus]int
	JobsExecuting    int
	TotalCompleted   int64
	TotalFailed      int64
	AverageExecution time.Duration
	SuccessRate      float64
	QueueDepth       int
}

// GetStats aggregates over current workers; nothing is persisted.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		WorkersByStatus: make(map[WorkerStatus]int),
		QueueDepth:      len(p.queue),
	}
	var totalExec time.Duration
	for _, w := range p.workers {
		status, executing, completed, failed, execTime := w.Snapshot()
		stats.WorkersByStatus[status]++
		stats.JobsExecuting += executing
		stats.TotalCompleted += completed
		stats.TotalFailed += failed
		totalExec += execTime
	}
	finished := stats.TotalCompleted + stats.TotalFailed
	if finished > 0 {
		stats.AverageExecution = totalExec / time.Duration(finished)
		stats.SuccessRate = float64(stats.TotalCompleted) / float64(finished)
	}
	return stats
}

func (p *Pool) addWorker() {
	w := newWorker("worker-" + uuid.New().String()[:8])
	stop := make(chan struct{})

	p.mu.Lock()
	p.workers[w.ID] = w
	p.stops[w.ID] = stop
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(p.ctx, p, stop)
	}()
}

func (p *Pool) removeWorker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Prefer stopping an idle worker; in-flight jobs keep their owner.
	for id, w := range p.workers {
		if w.Status() != WorkerIdle {
			continue
		}
		close(p.stops[id])
		delete(p.stops, id)
		delete(p.workers, id)
		return
	}
}

// reportWorkerFault replaces a worker that hit an unrecoverable internal
// fault. The fault must never crash the pool.
func (p *Pool) reportWorkerFault(w *Worker) {
	p.mu.Lock()
	if stop, ok := p.stops[w.ID]; ok {
		close(stop)
		delete(p.stops, w.ID)
	}
	delete(p.workers, w.ID)
	p.mu.Unlock()

	p.log.Error("Worker faulted, restarting", "worker", w.ID)
	if p.running.Load() {
		p.addWorker()
	}
}

// autoscale adds or removes capacity between MinWorkers and MaxWorkers
// based on queue depth. It never resizes in a way that loses an
// in-flight job's ownership.
func (p *Pool) autoscale(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			n := len(p.workers)
			p.mu.Unlock()

			depth := len(p.queue)
			switch {
			case depth > n*2 && n < p.cfg.MaxWorkers:
				p.log.Info("Scaling up workers", "workers", n+1, "queue_depth", depth)
				p.addWorker()
			case depth == 0 && n > p.cfg.MinWorkers:
				p.removeWorker()
			}
		}
	}
}

func (p *Pool) releaseHandles(sess, proxy *session.Handle) {
	p.sessions.Release(sess)
	if proxy != nil {
		p.proxies.Release(proxy)
	}
}
