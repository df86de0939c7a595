// Package ratelimit bounds TPC send attempts per sender.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a sender exceeds its budget.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Policy allows Limit sends per Window, with bursts up to Limit.
type Policy struct {
	Limit  int           `yaml:"limit" toml:"limit"`
	Window time.Duration `yaml:"window" toml:"window"`
}

// DefaultPolicy is 30 sends per minute.
func DefaultPolicy() Policy {
	return Policy{Limit: 30, Window: time.Minute}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Limit <= 0 {
		p.Limit = d.Limit
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}

// perSecond returns the refill rate in tokens per second.
func (p Policy) perSecond() float64 {
	return float64(p.Limit) / p.Window.Seconds()
}

// Store holds token buckets keyed by sender.
type Store interface {
	Allow(ctx context.Context, sender string, policy Policy) (bool, error)
}

// Limiter applies a Policy through a Store. A nil store fails closed.
type Limiter struct {
	mu     sync.RWMutex
	store  Store
	policy Policy
}

// New creates a limiter.
func New(store Store, policy Policy) *Limiter {
	return &Limiter{store: store, policy: policy.normalized()}
}

// SetPolicy replaces the policy for subsequent checks.
func (l *Limiter) SetPolicy(p Policy) {
	l.mu.Lock()
	l.policy = p.normalized()
	l.mu.Unlock()
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// Check consumes one token for sender or returns ErrRateLimited.
func (l *Limiter) Check(ctx context.Context, sender string) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("ratelimit: no limiter store configured")
	}
	ok, err := l.store.Allow(ctx, sender, l.Policy())
	if err != nil {
		return fmt.Errorf("ratelimit: check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w for %s", ErrRateLimited, sender)
	}
	return nil
}

// MemoryStore keeps one x/time/rate limiter per sender.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	clock    func() time.Time
}

type bucket struct {
	lim    *rate.Limiter
	policy Policy
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*bucket), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, sender string, p Policy) (bool, error) {
	p = p.normalized()
	s.mu.Lock()
	b, ok := s.limiters[sender]
	if !ok || b.policy != p {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(p.perSecond()), p.Limit), policy: p}
		s.limiters[sender] = b
	}
	s.mu.Unlock()
	return b.lim.AllowN(s.clock(), 1), nil
}
