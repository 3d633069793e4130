package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks terminal job outcomes per surface.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bentham_jobs_processed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"surface", "status"},
	)

	// JobRetries tracks retry decisions per surface and failure type.
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bentham_job_retries_total",
			Help: "Total number of job retry attempts",
		},
		[]string{"surface", "failure_type"},
	)

	// SurfaceCalls tracks adapter invocations per surface and method.
	SurfaceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bentham_surface_calls_total",
			Help: "Total number of surface adapter calls",
		},
		[]string{"surface", "method"},
	)

	// SurfaceLatency tracks adapter call latency.
	SurfaceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bentham_surface_latency_seconds",
			Help:    "Surface adapter call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface", "method"},
	)

	// CircuitState reports the breaker state per surface (0 closed, 1 half-open, 2 open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bentham_circuit_state",
			Help: "Circuit breaker state per surface",
		},
		[]string{"surface"},
	)

	// WorkersBusy reports the number of busy workers.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bentham_workers_busy",
			Help: "Number of busy workers",
		},
	)

	// QueueDepth reports the number of requests waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bentham_queue_depth",
			Help: "Number of queued job execution requests",
		},
	)

	// SessionWait tracks time spent waiting for a pooled session.
	SessionWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bentham_session_wait_seconds",
			Help:    "Time spent waiting to acquire a session",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface"},
	)

	// DBConnectionPoolUsage reports database pool usage percentage.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bentham_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
