package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benthamhq/bentham/internal/core/config"
	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	"github.com/benthamhq/bentham/internal/health"
	redisclient "github.com/benthamhq/bentham/internal/infra/redis"
	"github.com/benthamhq/bentham/internal/infra/storage"
	"github.com/benthamhq/bentham/internal/infra/storage/memory"
	"github.com/benthamhq/bentham/internal/infra/storage/postgres"
	"github.com/benthamhq/bentham/internal/orchestrator"
	"github.com/benthamhq/bentham/internal/recovery"
	"github.com/benthamhq/bentham/internal/session"
	"github.com/benthamhq/bentham/internal/surface"
)

// Engine is the main application struct that wires storage, the worker
// pool, recovery and the orchestrator together.
type Engine struct {
	cfg          *config.AppConfig
	orch         *orchestrator.Orchestrator
	pool         *executor.Pool
	bus          *executor.Bus
	rec          *recovery.Manager
	healthMon    *health.Monitor
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	gateways     []*surface.GatewayAdapter
	log          *slog.Logger
}

// NewEngine creates an Engine with all dependencies initialized.
func NewEngine(ctx context.Context, cfg *config.AppConfig) (*Engine, error) {
	// 1. Initialize Storage
	var studyRepo storage.StudyRepository
	var jobRepo storage.JobRepository
	var checkpointRepo storage.CheckpointRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(cfg.Database.MigrationsDir); err != nil {
			return nil, err
		}
		studyRepo = postgres.NewStudyRepo(db)
		jobRepo = postgres.NewJobRepo(db)
		checkpointRepo = postgres.NewCheckpointRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		studyRepo = memory.NewStudyRepo(store)
		jobRepo = memory.NewJobRepo(store)
		checkpointRepo = memory.NewCheckpointRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Redis coordination (optional)
	var redisClient *redisclient.Client
	var coord orchestrator.Coordinator
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, shared coordination disabled", "error", err)
		} else {
			coord = redisClient
		}
	}

	// 3. Recovery: retry policy, circuit breakers, failover chains
	breaker := recovery.NewBreaker(cfg.Breaker)
	rec := recovery.NewManager(cfg.Retry.Policy(), breaker, cfg.Chains())

	// 4. Surface adapters per collection method
	adapters := make(surface.Registry)
	endpoints := make(map[string]surface.HTTPEndpoint, len(cfg.Surfaces))
	for _, s := range cfg.Surfaces {
		if s.API.URL != "" {
			endpoints[s.ID] = surface.HTTPEndpoint{URL: s.API.URL, APIKey: s.API.APIKey}
		}
	}
	adapters[domain.MethodAPI] = surface.NewHTTPAdapter(endpoints, cfg.Executor.ExecTimeout)

	var gateways []*surface.GatewayAdapter
	if cfg.Gateway.Address != "" {
		for _, method := range []domain.CollectionMethod{domain.MethodBrowserCDP, domain.MethodBrowserProxy} {
			gw, err := surface.NewGatewayAdapter(ctx, method, cfg.Gateway.Address, cfg.Gateway.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to init %s gateway: %w", method, err)
			}
			adapters[method] = gw
			gateways = append(gateways, gw)
		}
	}

	// 5. Session and proxy pools
	sessions := session.NewPool("session", cfg.Sessions)
	proxies := session.NewPool("proxy", cfg.Proxies)

	// 6. Event bus, worker pool, orchestrator. The pool's callbacks are
	// bound after the orchestrator exists.
	bus := executor.NewBus(0)
	orch := orchestrator.New(
		cfg.Orchestrator,
		studyRepo,
		jobRepo,
		checkpointRepo,
		&orchestrator.ManifestValidator{KnownSurfaces: surfaceIDs(cfg)},
		nil, // pool set below
		rec,
		bus,
		coord,
	)
	pool := executor.NewPool(cfg.Executor, orch.Deps(), adapters, sessions, proxies, rec, bus)
	orch.SetPool(pool)

	// 7. Health monitoring
	healthMon := health.NewMonitor(surfaceIDs(cfg), studyRepo, rec, pool)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Engine{
		cfg:          cfg,
		orch:         orch,
		pool:         pool,
		bus:          bus,
		rec:          rec,
		healthMon:    healthMon,
		healthServer: healthServer,
		db:           db,
		redisClient:  redisClient,
		gateways:     gateways,
		log:          slog.Default(),
	}, nil
}

// Orchestrator exposes the study API.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orch
}

// Bus exposes the event stream for subscribers.
func (e *Engine) Bus() *executor.Bus {
	return e.bus
}

// Start starts the engine and all its components.
func (e *Engine) Start(ctx context.Context) error {
	e.bus.Subscribe(e.logEvent)
	go e.bus.Start(ctx)

	go func() {
		if err := e.healthServer.Start(); err != nil {
			e.log.Error("Health server failed", "error", err)
		}
	}()

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.orch.Run(ctx)
	if err := e.orch.Recover(ctx); err != nil {
		e.log.Error("Recovery pass failed", "error", err)
	}

	e.log.Info("Engine started", "port", e.cfg.Server.Port)
	return nil
}

// Stop stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine...")

	e.pool.Stop()
	e.orch.Wait()

	for _, gw := range e.gateways {
		if err := gw.Close(); err != nil {
			e.log.Warn("Failed to close gateway connection", "error", err)
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("Failed to close database", "error", err)
		}
	}

	return e.healthServer.Stop(ctx)
}

func (e *Engine) logEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventJobFailed, domain.EventWorkerError, domain.EventStudyFailed:
		e.log.Warn("Event", "type", ev.Type, "study", ev.StudyID, "job", ev.JobID, "worker", ev.WorkerID)
	default:
		e.log.Debug("Event", "type", ev.Type, "study", ev.StudyID, "job", ev.JobID)
	}
}

func surfaceIDs(cfg *config.AppConfig) []string {
	ids := make([]string, 0, len(cfg.Surfaces))
	for _, s := range cfg.Surfaces {
		ids = append(ids, s.ID)
	}
	return ids
}
