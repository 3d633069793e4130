package recovery

import (
	"math"
	"math/rand"
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
)

// Policy computes backoff delays and retry eligibility. It is stateless
// and shared by the executor (attempt-level) and the recovery manager
// (surface-level cooldown scheduling).
type Policy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultPolicy returns sensible defaults: 2s, 4s, 8s, ... capped at 60s.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:    2 * time.Second,
		MaxDelay:     60 * time.Second,
		JitterFactor: 0.2,
	}
}

// Delay returns the backoff for the given attempt (1-indexed):
// min(MaxDelay, BaseDelay * 2^(attempt-1)), with uniform jitter drawn
// within ±JitterFactor of the capped value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ShouldRetry is false once attempts are exhausted or the error is not
// retryable.
func (p Policy) ShouldRetry(attempt, maxAttempts int, err *domain.ClassifiedError) bool {
	if attempt >= maxAttempts {
		return false
	}
	if err != nil && !err.Retryable {
		return false
	}
	return true
}
