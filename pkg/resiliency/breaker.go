// Package resiliency provides the circuit breaker guarding TPC sends and an
// HTTP client with retries for remote collaborators.
package resiliency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("resiliency: circuit breaker open")

// State is a breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerState is a snapshot of the breaker.
type BreakerState struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `yaml:"threshold" toml:"threshold"`
	// Cooldown is how long the breaker stays open before allowing one trial.
	Cooldown time.Duration `yaml:"cooldown" toml:"cooldown"`
}

// CircuitBreaker is a CLOSED / OPEN / HALF_OPEN state machine. In HALF_OPEN
// exactly one trial call runs; its outcome closes or reopens the breaker.
type CircuitBreaker struct {
	mu       sync.Mutex
	name     string
	cfg      BreakerConfig
	state    State
	failures int
	openedAt time.Time
	trial    bool
	clock    func() time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive settings fall back
// to 5 failures and a 30s cooldown.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{name: name, cfg: cfg.normalized(), state: StateClosed, clock: time.Now}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.Threshold < 1 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// SetConfig replaces the threshold and cooldown. The current state is kept.
func (cb *CircuitBreaker) SetConfig(cfg BreakerConfig) {
	cb.mu.Lock()
	cb.cfg = cfg.normalized()
	cb.mu.Unlock()
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Snapshot returns the current state, applying the OPEN to HALF_OPEN
// transition when the cooldown has elapsed.
func (cb *CircuitBreaker) Snapshot() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return BreakerState{State: cb.state, ConsecutiveFailures: cb.failures, OpenedAt: cb.openedAt}
}

// advance must be called with mu held.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && !cb.clock().Before(cb.openedAt.Add(cb.cfg.Cooldown)) {
		cb.state = StateHalfOpen
		cb.trial = false
	}
}

// Allow reserves a call. Every true result must be followed by exactly one
// Record call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
	}
	return true
}

// Record reports the outcome of a call reserved with Allow.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if success {
		cb.state = StateClosed
		cb.failures = 0
		cb.openedAt = time.Time{}
		cb.trial = false
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.Threshold {
		cb.state = StateOpen
		cb.openedAt = cb.clock()
		cb.trial = false
	}
}

// release gives back a half-open trial without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
}

// Do runs fn when the breaker allows it and records the outcome. A call that
// fails only because ctx was cancelled is not counted.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.Record(err == nil)
	return err
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.Record(true)
}
