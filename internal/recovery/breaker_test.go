package recovery

import (
	"testing"
	"time"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure("perplexity/api")
		if err := b.Allow("perplexity/api"); err != nil {
			t.Fatalf("Circuit opened after %d failures, expected threshold 5", i+1)
		}
	}

	b.RecordFailure("perplexity/api")
	if err := b.Allow("perplexity/api"); err != ErrCircuitOpen {
		t.Errorf("Expected ErrCircuitOpen after 5 failures, got %v", err)
	}
	if got := b.Health("perplexity/api").State; got != CircuitOpen {
		t.Errorf("Expected open state, got %v", got)
	}
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	b.RecordFailure("s")
	b.RecordFailure("s")
	b.RecordSuccess("s")
	b.RecordFailure("s")
	b.RecordFailure("s")

	if err := b.Allow("s"); err != nil {
		t.Errorf("Run was reset by success, circuit should be closed: %v", err)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure("s")
	b.RecordFailure("s")
	if err := b.Allow("s"); err != ErrCircuitOpen {
		t.Fatalf("Expected open circuit, got %v", err)
	}

	// Cooldown elapses: one probe admitted, the rest rejected.
	*now = now.Add(time.Minute)
	if err := b.Allow("s"); err != nil {
		t.Fatalf("Expected half-open probe to be admitted, got %v", err)
	}
	if got := b.Health("s").State; got != CircuitHalfOpen {
		t.Errorf("Expected half-open state, got %v", got)
	}
	if err := b.Allow("s"); err != ErrCircuitOpen {
		t.Errorf("Second attempt during probe should be rejected, got %v", err)
	}

	// Probe succeeds: circuit closes.
	b.RecordSuccess("s")
	if got := b.Health("s").State; got != CircuitClosed {
		t.Errorf("Expected closed after successful probe, got %v", got)
	}
	if err := b.Allow("s"); err != nil {
		t.Errorf("Closed circuit should allow, got %v", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure("s")
	b.RecordFailure("s")
	*now = now.Add(2 * time.Minute)

	if err := b.Allow("s"); err != nil {
		t.Fatalf("Expected probe admitted, got %v", err)
	}
	b.RecordFailure("s")

	if got := b.Health("s").State; got != CircuitOpen {
		t.Errorf("Expected re-opened circuit after failed probe, got %v", got)
	}
	if err := b.Allow("s"); err != ErrCircuitOpen {
		t.Errorf("Expected rejection after failed probe, got %v", err)
	}
}
