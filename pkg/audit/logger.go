// Package audit records security-relevant TPC events.
//
// Recording is best effort: events go onto a bounded queue drained by a
// single goroutine, Record never blocks, and events that do not fit are
// dropped and counted.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventSend        EventType = "TPC_SEND"
	EventReceive     EventType = "TPC_RECEIVE"
	EventReject      EventType = "TPC_REJECT"
	EventFallback    EventType = "TEXT_FALLBACK"
	EventKeyRotation EventType = "KEY_ROTATION"
	EventSystem      EventType = "SYSTEM"
)

// DefaultQueueSize bounds the pending events of a Logger.
const DefaultQueueSize = 1024

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit: logger closed")

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink persists events. Write is only called from the logger goroutine.
type Sink interface {
	Write(ctx context.Context, evt Event) error
	Close() error
}

type actorKey struct{}

// WithActor attaches the acting agent to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Option configures a Logger.
type Option func(*Logger)

// WithQueueSize sets the queue bound.
func WithQueueSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.size = n
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// Logger is an asynchronous audit recorder. A nil *Logger discards events.
type Logger struct {
	sink   Sink
	size   int
	clock  func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewLogger starts a logger draining into sink.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:   sink,
		size:   DefaultQueueSize,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.queue = make(chan Event, l.size)
	l.done = make(chan struct{})
	go l.run()
	return l
}

func (l *Logger) run() {
	defer close(l.done)
	for evt := range l.queue {
		if err := l.sink.Write(context.Background(), evt); err != nil {
			l.failed.Add(1)
			l.logger.Warn("audit sink write failed", "event_id", evt.ID, "type", evt.Type, "error", err)
			continue
		}
		l.written.Add(1)
	}
}

// Record enqueues an event without blocking. A full queue drops the event.
func (l *Logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l == nil {
		return nil
	}
	evt := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Actor:     actorFrom(ctx),
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- evt:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.WarnContext(ctx, "audit queue full, dropping events", "dropped", n)
		}
	}
	return nil
}

// Stats reports how many events were written, dropped on overflow, or
// rejected by the sink.
func (l *Logger) Stats() (written, dropped, failed uint64) {
	if l == nil {
		return 0, 0, 0
	}
	return l.written.Load(), l.dropped.Load(), l.failed.Load()
}

// Close stops accepting events, drains the queue, and closes the sink. If ctx
// ends first the sink is left open and ctx.Err is returned.
func (l *Logger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.sink.Close()
}
