package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// ErrPoolTimeout is returned when no handle becomes available within the
// acquisition timeout. It converts to a retryable failure upstream.
var ErrPoolTimeout = errors.New("pool acquisition timeout")

// Handle is one checked-out session or proxy.
type Handle struct {
	ID        string
	SurfaceID string
	// StudyID is set only for dedicated handles.
	StudyID string
}

// PoolConfig bounds concurrent checkouts per surface.
type PoolConfig struct {
	MaxPerSurface  int           `yaml:"max_per_surface"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DefaultPoolConfig returns defaults suitable for browser-session style
// resources.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerSurface:  4,
		AcquireTimeout: 30 * time.Second,
	}
}

type waiter struct {
	surfaceID string
	isolation domain.SessionIsolation
	studyID   string
	ch        chan *Handle
}

// Pool hands out session (or proxy) handles with a per-surface cap.
// Once the cap is reached, waiters queue FIFO. Shared handles are reused
// across studies; dedicated handles are keyed by study and never cross.
type Pool struct {
	mu         sync.Mutex
	kind       string
	cfg        PoolConfig
	checkedOut map[string]int
	idleShared map[string][]*Handle
	idleOwned  map[string][]*Handle // keyed by surfaceID + "/" + studyID
	waiters    map[string][]*waiter
}

// NewPool creates a pool; kind is a label used in handle ids ("session",
// "proxy").
func NewPool(kind string, cfg PoolConfig) *Pool {
	if cfg.MaxPerSurface <= 0 {
		cfg.MaxPerSurface = 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Pool{
		kind:       kind,
		cfg:        cfg,
		checkedOut: make(map[string]int),
		idleShared: make(map[string][]*Handle),
		idleOwned:  make(map[string][]*Handle),
		waiters:    make(map[string][]*waiter),
	}
}

// Acquire checks out a handle for the surface, honoring the isolation
// mode. It blocks until a handle is available, the timeout elapses or
// the context is cancelled.
func (p *Pool) Acquire(
	ctx context.Context,
	surfaceID string,
	isolation domain.SessionIsolation,
	studyID string,
) (*Handle, error) {
	p.mu.Lock()
	if p.checkedOut[surfaceID] < p.cfg.MaxPerSurface {
		h := p.takeLocked(surfaceID, isolation, studyID)
		p.checkedOut[surfaceID]++
		p.mu.Unlock()
		return h, nil
	}

	w := &waiter{
		surfaceID: surfaceID,
		isolation: isolation,
		studyID:   studyID,
		ch:        make(chan *Handle, 1),
	}
	p.waiters[surfaceID] = append(p.waiters[surfaceID], w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case h := <-w.ch:
		return h, nil
	case <-timer.C:
		p.removeWaiter(w)
		return nil, fmt.Errorf("%w: %s for surface %s", ErrPoolTimeout, p.kind, surfaceID)
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

// Release returns a handle to the pool. The freed slot goes to the
// oldest waiter, if any.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.StudyID != "" {
		key := h.SurfaceID + "/" + h.StudyID
		p.idleOwned[key] = append(p.idleOwned[key], h)
	} else {
		p.idleShared[h.SurfaceID] = append(p.idleShared[h.SurfaceID], h)
	}
	p.releaseSlotLocked(h.SurfaceID)
}

// Invalidate discards a handle (auth-expired path) without returning it
// to the idle list; the freed slot still serves the oldest waiter.
func (p *Pool) Invalidate(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseSlotLocked(h.SurfaceID)
}

// InFlight returns the current number of checkouts for a surface.
func (p *Pool) InFlight(surfaceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkedOut[surfaceID]
}

func (p *Pool) releaseSlotLocked(surfaceID string) {
	queue := p.waiters[surfaceID]
	if len(queue) == 0 {
		p.checkedOut[surfaceID]--
		return
	}
	w := queue[0]
	p.waiters[surfaceID] = queue[1:]
	// Slot transfers directly to the waiter; checkout count is unchanged.
	w.ch <- p.takeLocked(w.surfaceID, w.isolation, w.studyID)
}

func (p *Pool) takeLocked(surfaceID string, isolation domain.SessionIsolation, studyID string) *Handle {
	if isolation == domain.IsolationDedicatedPerStudy {
		key := surfaceID + "/" + studyID
		if idle := p.idleOwned[key]; len(idle) > 0 {
			h := idle[len(idle)-1]
			p.idleOwned[key] = idle[:len(idle)-1]
			return h
		}
		return &Handle{
			ID:        p.kind + "-" + uuid.New().String(),
			SurfaceID: surfaceID,
			StudyID:   studyID,
		}
	}

	if idle := p.idleShared[surfaceID]; len(idle) > 0 {
		h := idle[len(idle)-1]
		p.idleShared[surfaceID] = idle[:len(idle)-1]
		return h
	}
	return &Handle{
		ID:        p.kind + "-" + uuid.New().String(),
		SurfaceID: surfaceID,
	}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue := p.waiters[w.surfaceID]
	for i, q := range queue {
		if q == w {
			p.waiters[w.surfaceID] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
	// Already granted a handle concurrently with the timeout; return it
	// so the slot is not leaked.
	select {
	case h := <-w.ch:
		if h.StudyID != "" {
			key := h.SurfaceID + "/" + h.StudyID
			p.idleOwned[key] = append(p.idleOwned[key], h)
		} else {
			p.idleShared[h.SurfaceID] = append(p.idleShared[h.SurfaceID], h)
		}
		p.releaseSlotLocked(h.SurfaceID)
	default:
	}
}
