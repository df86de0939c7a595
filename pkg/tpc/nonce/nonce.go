// Package nonce provides anti-replay stores for TPC envelope nonces.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records nonces. CheckAndStore reports true when nonce has not been
// seen within ttl and records it; a replay returns false.
type Store interface {
	CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// ErrFull is returned when a MemoryStore holds its maximum of unexpired
// nonces. Forgetting one early would let its envelope be replayed.
var ErrFull = errors.New("nonce: store full")

// DefaultMaxEntries bounds a MemoryStore created with a non-positive size.
const DefaultMaxEntries = 100_000

type record struct {
	nonce   string
	expires time.Time
}

// MemoryStore is an in-process nonce store. Entries are kept in insertion
// order and pruned once expired. A full store refuses new nonces.
type MemoryStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	fifo  []record
	max   int
	clock func() time.Time
}

// NewMemoryStore returns a store holding at most maxEntries nonces.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		seen:  make(map[string]time.Time),
		max:   maxEntries,
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) CheckAndStore(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, fmt.Errorf("nonce: empty nonce")
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now)

	if exp, ok := s.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	if len(s.seen) >= s.max {
		s.sweep(now)
	}
	if len(s.seen) >= s.max {
		return false, fmt.Errorf("%w (%d entries)", ErrFull, s.max)
	}
	exp := now.Add(ttl)
	s.seen[nonce] = exp
	s.fifo = append(s.fifo, record{nonce: nonce, expires: exp})
	return true, nil
}

// Len returns the number of tracked nonces.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *MemoryStore) prune(now time.Time) {
	for len(s.fifo) > 0 && !now.Before(s.fifo[0].expires) {
		s.drop()
	}
}

// sweep removes expired entries behind an unexpired front. TTLs differ per
// nonce, so expiry order is not insertion order.
func (s *MemoryStore) sweep(now time.Time) {
	kept := s.fifo[:0]
	for _, r := range s.fifo {
		exp, ok := s.seen[r.nonce]
		switch {
		case !ok || !exp.Equal(r.expires):
		case !now.Before(exp):
			delete(s.seen, r.nonce)
		default:
			kept = append(kept, r)
		}
	}
	clear(s.fifo[len(kept):])
	s.fifo = kept
}

func (s *MemoryStore) drop() {
	r := s.fifo[0]
	s.fifo[0] = record{}
	s.fifo = s.fifo[1:]
	// A re-recorded nonce has a newer entry further back.
	if exp, ok := s.seen[r.nonce]; ok && exp.Equal(r.expires) {
		delete(s.seen, r.nonce)
	}
}

// RedisStore shares nonces between processes using SET NX with expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are prefixed with prefix, which defaults
// to "clawtalk:nonce:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "clawtalk:nonce:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if nonce == "" {
		return false, fmt.Errorf("nonce: empty nonce")
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis: %w", err)
	}
	return ok, nil
}
