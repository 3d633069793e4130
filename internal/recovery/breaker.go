package recovery

import (
	"errors"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/metrics"
)

// ErrCircuitOpen is returned when a surface's circuit rejects an attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the per-surface breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// SurfaceHealth is the circuit record for one surface. Created lazily on
// first attempt; owned exclusively by the Breaker.
type SurfaceHealth struct {
	State               CircuitState
	ConsecutiveFailures int
	WindowSuccesses     int
	WindowFailures      int
	LastTransition      time.Time
	PreferredMethod     domain.CollectionMethod
	probing             bool
}

// BreakerConfig configures circuit behavior.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	WindowSize       int           `yaml:"window_size"`
}

// DefaultBreakerConfig returns defaults matching observed surface
// anti-bot behavior: five consecutive failures, one minute cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         time.Minute,
		WindowSize:       50,
	}
}

// Breaker tracks one SurfaceHealth record per surface.
type Breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	states map[string]*SurfaceHealth
	now    func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Breaker{
		cfg:    cfg,
		states: make(map[string]*SurfaceHealth),
		now:    time.Now,
	}
}

// Allow reports whether an attempt against the surface may proceed.
// An open circuit whose cooldown elapsed moves to half-open and admits
// a single probe; further attempts are rejected until the probe reports.
func (b *Breaker) Allow(surfaceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(surfaceID)
	switch s.State {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(s.LastTransition) >= b.cfg.Cooldown {
			b.transition(surfaceID, s, CircuitHalfOpen)
			s.probing = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if s.probing {
			return ErrCircuitOpen
		}
		s.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the circuit when half-open and resets the
// consecutive-failure run.
func (b *Breaker) RecordSuccess(surfaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(surfaceID)
	s.ConsecutiveFailures = 0
	s.WindowSuccesses++
	s.trimWindow(b.cfg.WindowSize)
	s.probing = false
	if s.State != CircuitClosed {
		b.transition(surfaceID, s, CircuitClosed)
	}
}

// RecordFailure counts the failure; a run reaching the threshold opens
// the circuit, and a failed half-open probe re-opens it.
func (b *Breaker) RecordFailure(surfaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(surfaceID)
	s.ConsecutiveFailures++
	s.WindowFailures++
	s.trimWindow(b.cfg.WindowSize)
	s.probing = false

	if s.State == CircuitHalfOpen {
		b.transition(surfaceID, s, CircuitOpen)
		return
	}
	if s.State == CircuitClosed && s.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.transition(surfaceID, s, CircuitOpen)
	}
}

// Health returns a copy of the surface's circuit record.
func (b *Breaker) Health(surfaceID string) SurfaceHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.state(surfaceID)
}

// SetPreferredMethod records the currently preferred collection method.
func (b *Breaker) SetPreferredMethod(surfaceID string, method domain.CollectionMethod) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(surfaceID).PreferredMethod = method
}

func (b *Breaker) state(surfaceID string) *SurfaceHealth {
	s, ok := b.states[surfaceID]
	if !ok {
		s = &SurfaceHealth{State: CircuitClosed, LastTransition: b.now()}
		b.states[surfaceID] = s
	}
	return s
}

func (b *Breaker) transition(surfaceID string, s *SurfaceHealth, to CircuitState) {
	s.State = to
	s.LastTransition = b.now()
	metrics.CircuitState.WithLabelValues(surfaceID).Set(float64(to))
}

func (s *SurfaceHealth) trimWindow(size int) {
	if size <= 0 {
		return
	}
	for s.WindowSuccesses+s.WindowFailures > size {
		// Drop the older half proportionally; exact ordering is not
		// tracked, only the rolling ratio matters.
		if s.WindowSuccesses >= s.WindowFailures {
			s.WindowSuccesses--
		} else {
			s.WindowFailures--
		}
	}
}
