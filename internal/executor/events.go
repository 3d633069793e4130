package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// Handler receives lifecycle events. Handler failures never affect job
// execution.
type Handler func(domain.Event)

// Bus fans events out to registered handlers. Emission is non-blocking:
// when the buffer is full the event is dropped (delivery is at-most-once
// and best-effort).
type Bus struct {
	ch       chan domain.Event
	mu       sync.RWMutex
	handlers []Handler
	dropped  int64
	log      *slog.Logger
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		ch:  make(chan domain.Event, buffer),
		log: slog.Default(),
	}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit queues an event without blocking the execution path.
func (b *Bus) Emit(event domain.Event) {
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now()
	}
	select {
	case b.ch <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Start runs the dispatch loop until the context is cancelled. Handler
// panics are caught at the boundary.
func (b *Bus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.ch:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				b.dispatch(h, event)
			}
		}
	}
}

func (b *Bus) dispatch(h Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked", "event", event.Type, "panic", r)
		}
	}()
	h(event)
}

// Dropped returns the number of events discarded due to a full buffer.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
