package recovery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// Action is the manager's verdict on how a failed attempt proceeds.
type Action int

const (
	// ActionRetry re-enqueues the attempt on the same method after Delay.
	ActionRetry Action = iota
	// ActionSwitchMethod re-enqueues on the next method of the failover chain.
	ActionSwitchMethod
	// ActionRefreshSession invalidates the session and retries with a fresh one.
	ActionRefreshSession
	// ActionAbandon marks the job permanently failed.
	ActionAbandon
)

// Decision tells the executor what to do with a failed attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
	Method domain.CollectionMethod
}

// Manager composes the retry policy and circuit breaker with per-surface
// failover chains. It exclusively owns SurfaceHealth records; circuits
// are tracked per (surface, method) so advancing the chain starts the
// next method with a closed circuit while the tripped one cools down.
type Manager struct {
	mu       sync.Mutex
	policy   Policy
	breaker  *Breaker
	chains   map[string][]domain.CollectionMethod
	position map[string]int
	log      *slog.Logger
}

// NewManager creates a recovery manager. chains maps surface id to its
// ordered failover chain; a surface without an entry gets a single-method
// chain of MethodAPI.
func NewManager(policy Policy, breaker *Breaker, chains map[string][]domain.CollectionMethod) *Manager {
	m := &Manager{
		policy:   policy,
		breaker:  breaker,
		chains:   make(map[string][]domain.CollectionMethod),
		position: make(map[string]int),
		log:      slog.Default(),
	}
	for surface, chain := range chains {
		m.chains[surface] = chain
	}
	return m
}

// PreferredMethod returns the method new attempts against the surface
// should use, given the chain's current position.
func (m *Manager) PreferredMethod(surfaceID string) domain.CollectionMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chain(surfaceID)
	return chain[m.position[surfaceID]]
}

// Usable reports whether the surface accepts a dispatch on the given
// method. An open circuit rejects the attempt without a network call
// until its cooldown elapses.
func (m *Manager) Usable(surfaceID string, method domain.CollectionMethod) bool {
	return m.breaker.Allow(circuitKey(surfaceID, method)) == nil
}

// RecordSuccess feeds a successful attempt into surface health.
func (m *Manager) RecordSuccess(surfaceID string, method domain.CollectionMethod) {
	m.breaker.RecordSuccess(circuitKey(surfaceID, method))
}

// Health exposes the circuit record of the surface's preferred method.
func (m *Manager) Health(surfaceID string) SurfaceHealth {
	method := m.PreferredMethod(surfaceID)
	h := m.breaker.Health(circuitKey(surfaceID, method))
	h.PreferredMethod = method
	return h
}

// Decide classifies the failed attempt into the next action. The breaker
// is updated first so a run of failures opens the circuit regardless of
// the per-job outcome.
func (m *Manager) Decide(req domain.JobExecutionRequest, cerr *domain.ClassifiedError) Decision {
	m.breaker.RecordFailure(circuitKey(req.SurfaceID, req.Method))
	circuitOpen := m.breaker.Health(circuitKey(req.SurfaceID, req.Method)).State == CircuitOpen

	if !m.policy.ShouldRetry(req.Attempt, req.MaxAttempts, cerr) {
		return Decision{Action: ActionAbandon}
	}

	switch cerr.Type {
	case domain.FailureRateLimited:
		if circuitOpen {
			return m.advanceChain(req)
		}
		return Decision{
			Action: ActionRetry,
			Delay:  m.policy.Delay(req.Attempt),
			Method: req.Method,
		}

	case domain.FailureBlocked:
		return m.advanceChain(req)

	case domain.FailureAuthExpired:
		if req.LastFailure == domain.FailureAuthExpired {
			// Fresh session already tried once.
			return Decision{Action: ActionAbandon}
		}
		return Decision{Action: ActionRefreshSession, Method: req.Method}

	case domain.FailureQualityGate:
		if req.LastFailure == domain.FailureQualityGate {
			return Decision{Action: ActionAbandon}
		}
		return Decision{Action: ActionRetry, Method: req.Method}

	case domain.FailureNetwork, domain.FailureTimeout, domain.FailureUnknown:
		if circuitOpen {
			return m.advanceChain(req)
		}
		return Decision{
			Action: ActionRetry,
			Delay:  m.policy.Delay(req.Attempt),
			Method: req.Method,
		}

	default:
		return Decision{Action: ActionAbandon}
	}
}

// advanceChain moves the surface to its next collection method so
// subsequent jobs pick it up without manual intervention.
func (m *Manager) advanceChain(req domain.JobExecutionRequest) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chain(req.SurfaceID)
	pos := m.position[req.SurfaceID]

	// The request may lag behind the shared position when another job
	// already advanced the chain; route it to the current method.
	current := indexOf(chain, req.Method)
	if current >= 0 && current < pos {
		return Decision{Action: ActionSwitchMethod, Method: chain[pos]}
	}

	if pos+1 >= len(chain) {
		return Decision{Action: ActionAbandon}
	}

	m.position[req.SurfaceID] = pos + 1
	next := chain[pos+1]
	m.breaker.SetPreferredMethod(circuitKey(req.SurfaceID, next), next)
	m.log.Warn("Advancing failover chain",
		"surface", req.SurfaceID, "from", req.Method, "to", next)

	return Decision{Action: ActionSwitchMethod, Method: next}
}

func (m *Manager) chain(surfaceID string) []domain.CollectionMethod {
	chain, ok := m.chains[surfaceID]
	if !ok || len(chain) == 0 {
		chain = []domain.CollectionMethod{domain.MethodAPI}
		m.chains[surfaceID] = chain
	}
	return chain
}

func circuitKey(surfaceID string, method domain.CollectionMethod) string {
	return surfaceID + "/" + string(method)
}

func indexOf(chain []domain.CollectionMethod, method domain.CollectionMethod) int {
	for i, m := range chain {
		if m == method {
			return i
		}
	}
	return -1
}
