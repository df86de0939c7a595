// Package metrics tracks rolling protocol statistics for the ClawTalk stack.
//
// Every record updates an in-memory snapshot and, when a MeterProvider is
// configured (globally or via WithMeterProvider), the matching OpenTelemetry
// instrument. Recording never fails.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clawtalk/clawtalk/pkg/intent"
)

const meterName = "clawtalk.metrics"

// Snapshot is a point-in-time copy of the tracked statistics.
type Snapshot struct {
	TotalEncoded        int64                     `json:"totalEncoded"`
	TotalDecoded        int64                     `json:"totalDecoded"`
	AvgCompressionRatio float64                   `json:"avgCompressionRatio"`
	ComprehensionRate   float64                   `json:"comprehensionRate"`
	TokensSaved         int64                     `json:"tokensSaved"`
	MacroUsage          map[string]int64          `json:"macroUsage"`
	IntentCounts        map[intent.Category]int64 `json:"intentCounts"`
	EscalationCount     int64                     `json:"escalationCount"`
	PeriodStart         time.Time                 `json:"periodStart"`
}

type instruments struct {
	encoded     metric.Int64Counter
	decoded     metric.Int64Counter
	tokensSaved metric.Int64Counter
	compression metric.Float64Histogram
	escalations metric.Int64Counter
	macros      metric.Int64Counter
}

// Tracker accumulates statistics. It is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	snap  Snapshot
	clock func() time.Time
	inst  instruments
}

// Option configures a Tracker.
type Option func(*trackerOptions)

type trackerOptions struct {
	provider metric.MeterProvider
	clock    func() time.Time
}

// WithMeterProvider sets the provider used for the OpenTelemetry instruments.
// The global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *trackerOptions) { o.provider = mp }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(o *trackerOptions) { o.clock = clock }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	o := trackerOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	t := &Tracker{clock: o.clock}
	t.inst = newInstruments(o.provider.Meter(meterName))
	t.snap = t.empty()
	return t
}

func newInstruments(m metric.Meter) instruments {
	var inst instruments
	var err error
	logger := slog.Default().With("component", "metrics")
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", "instrument", name, "error", err)
		}
	}

	inst.encoded, err = m.Int64Counter("clawtalk.encoded.total",
		metric.WithDescription("Messages encoded to wire form"),
		metric.WithUnit("{message}"))
	warn("encoded", err)
	inst.decoded, err = m.Int64Counter("clawtalk.decoded.total",
		metric.WithDescription("Wire messages decoded to text"),
		metric.WithUnit("{message}"))
	warn("decoded", err)
	inst.tokensSaved, err = m.Int64Counter("clawtalk.tokens.saved",
		metric.WithDescription("Approximate tokens saved by wire encoding"),
		metric.WithUnit("{token}"))
	warn("tokens", err)
	inst.compression, err = m.Float64Histogram("clawtalk.compression.ratio",
		metric.WithDescription("Wire length divided by natural length"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 1, 1.5, 2))
	warn("compression", err)
	inst.escalations, err = m.Int64Counter("clawtalk.escalations.total",
		metric.WithDescription("Turns escalated to a remote model"),
		metric.WithUnit("{turn}"))
	warn("escalations", err)
	inst.macros, err = m.Int64Counter("clawtalk.macro.usage",
		metric.WithDescription("Macro expansions"),
		metric.WithUnit("{expansion}"))
	warn("macros", err)
	return inst
}

func (t *Tracker) empty() Snapshot {
	return Snapshot{
		MacroUsage:   make(map[string]int64),
		IntentCounts: make(map[intent.Category]int64),
		PeriodStart:  t.clock(),
	}
}

// EstimateTokens approximates the token count of s as ceil(chars/4).
func EstimateTokens(s string) int64 {
	n := int64(utf8.RuneCountInString(s))
	return (n + 3) / 4
}

// rolling applies m_new = (m_old*(n-1) + value) / n.
func rolling(old float64, n int64, value float64) float64 {
	if n <= 0 {
		return value
	}
	return (old*float64(n-1) + value) / float64(n)
}

// RecordEncode records one encode of natural into wire. Negative savings are
// not counted so TokensSaved stays monotonic.
func (t *Tracker) RecordEncode(ctx context.Context, natural, wire string, category intent.Category) {
	ratio := 1.0
	if n := utf8.RuneCountInString(natural); n > 0 {
		ratio = float64(utf8.RuneCountInString(wire)) / float64(n)
	}
	saved := EstimateTokens(natural) - EstimateTokens(wire)
	if saved < 0 {
		saved = 0
	}

	t.mu.Lock()
	t.snap.TotalEncoded++
	t.snap.AvgCompressionRatio = rolling(t.snap.AvgCompressionRatio, t.snap.TotalEncoded, ratio)
	t.snap.TokensSaved += saved
	if category != "" {
		t.snap.IntentCounts[category]++
	}
	t.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("intent", string(category)))
	add(ctx, t.inst.encoded, 1, attrs)
	add(ctx, t.inst.tokensSaved, saved)
	if t.inst.compression != nil {
		t.inst.compression.Record(ctx, ratio, attrs)
	}
}

// RecordDecode records one decode attempt.
func (t *Tracker) RecordDecode(ctx context.Context, success bool) {
	value := 0.0
	if success {
		value = 1
	}
	t.mu.Lock()
	t.snap.TotalDecoded++
	t.snap.ComprehensionRate = rolling(t.snap.ComprehensionRate, t.snap.TotalDecoded, value)
	t.mu.Unlock()

	add(ctx, t.inst.decoded, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordMacro records one expansion of the named macro.
func (t *Tracker) RecordMacro(ctx context.Context, name string) {
	t.mu.Lock()
	t.snap.MacroUsage[name]++
	t.mu.Unlock()

	add(ctx, t.inst.macros, 1, metric.WithAttributes(attribute.String("macro", name)))
}

// RecordEscalation records one escalated turn.
func (t *Tracker) RecordEscalation(ctx context.Context, target string) {
	t.mu.Lock()
	t.snap.EscalationCount++
	t.mu.Unlock()

	add(ctx, t.inst.escalations, 1, metric.WithAttributes(attribute.String("target", target)))
}

// Snapshot returns a deep copy of the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	s.MacroUsage = make(map[string]int64, len(t.snap.MacroUsage))
	for k, v := range t.snap.MacroUsage {
		s.MacroUsage[k] = v
	}
	s.IntentCounts = make(map[intent.Category]int64, len(t.snap.IntentCounts))
	for k, v := range t.snap.IntentCounts {
		s.IntentCounts[k] = v
	}
	return s
}

// Reset zeroes every statistic and restamps PeriodStart. The OpenTelemetry
// counters are cumulative and are not reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.snap = t.empty()
	t.mu.Unlock()
}

func add(ctx context.Context, c metric.Int64Counter, n int64, opts ...metric.AddOption) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, opts...)
}
