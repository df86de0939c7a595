package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/clawtalk/clawtalk/pkg/intent"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("abc"))
	assert.Equal(t, int64(1), EstimateTokens("abcd"))
	assert.Equal(t, int64(2), EstimateTokens("abcde"))
	assert.Equal(t, int64(1), EstimateTokens("héé"))
}

func TestRecordEncode_RollingAverage(t *testing.T) {
	tr := New()
	ctx := context.Background()

	tr.RecordEncode(ctx, "aaaaaaaaaa", "aaaaa", intent.Research) // 0.5
	tr.RecordEncode(ctx, "aaaaaaaaaa", "aaaaaaaaaa", intent.Research)
	tr.RecordEncode(ctx, "aaaa", "aaa", intent.Code)

	s := tr.Snapshot()
	assert.Equal(t, int64(3), s.TotalEncoded)
	assert.InDelta(t, (0.5+1+0.75)/3, s.AvgCompressionRatio, 1e-9)
	assert.Equal(t, int64(2), s.IntentCounts[intent.Research])
	assert.Equal(t, int64(1), s.IntentCounts[intent.Code])
	// 3-2, 3-3, 1-1
	assert.Equal(t, int64(1), s.TokensSaved)
}

func TestRecordEncode_NegativeSavingsIgnored(t *testing.T) {
	tr := New()
	tr.RecordEncode(context.Background(), "hi", "CT/1 REQ chat text=hi", intent.Conversation)
	assert.Equal(t, int64(0), tr.Snapshot().TokensSaved)
}

func TestRecordEncode_EmptyNatural(t *testing.T) {
	tr := New()
	tr.RecordEncode(context.Background(), "", "CT/1 NOOP", "")
	s := tr.Snapshot()
	assert.Equal(t, 1.0, s.AvgCompressionRatio)
	assert.Empty(t, s.IntentCounts)
}

func TestRecordDecode_ComprehensionRate(t *testing.T) {
	tr := New()
	ctx := context.Background()
	tr.RecordDecode(ctx, true)
	tr.RecordDecode(ctx, true)
	tr.RecordDecode(ctx, false)
	tr.RecordDecode(ctx, true)

	s := tr.Snapshot()
	assert.Equal(t, int64(4), s.TotalDecoded)
	assert.InDelta(t, 0.75, s.ComprehensionRate, 1e-9)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := New()
	tr.RecordMacro(context.Background(), "WEBSRCH")
	s := tr.Snapshot()
	s.MacroUsage["WEBSRCH"] = 100
	assert.Equal(t, int64(1), tr.Snapshot().MacroUsage["WEBSRCH"])
}

func TestReset(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	tr := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	tr.RecordEncode(ctx, "hello there friend", "CT/1 REQ chat", intent.Conversation)
	tr.RecordDecode(ctx, true)
	tr.RecordMacro(ctx, "NOTE")
	tr.RecordEscalation(ctx, "cloud")
	assert.Equal(t, start, tr.Snapshot().PeriodStart)

	now = start.Add(time.Hour)
	tr.Reset()
	s := tr.Snapshot()
	assert.Zero(t, s.TotalEncoded)
	assert.Zero(t, s.TotalDecoded)
	assert.Zero(t, s.EscalationCount)
	assert.Zero(t, s.TokensSaved)
	assert.Zero(t, s.AvgCompressionRatio)
	assert.Zero(t, s.ComprehensionRate)
	assert.Empty(t, s.MacroUsage)
	assert.Empty(t, s.IntentCounts)
	assert.Equal(t, now, s.PeriodStart)
}

func TestConcurrentRecords(t *testing.T) {
	tr := New(WithClock(fixedClock(time.Unix(0, 0))))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordEncode(ctx, "search the web for go", "CT/1 REQ web_search", intent.Research)
			tr.RecordDecode(ctx, true)
			tr.RecordEscalation(ctx, "cloud")
		}()
	}
	wg.Wait()
	s := tr.Snapshot()
	assert.Equal(t, int64(50), s.TotalEncoded)
	assert.Equal(t, int64(50), s.TotalDecoded)
	assert.Equal(t, int64(50), s.EscalationCount)
	assert.InDelta(t, 1.0, s.ComprehensionRate, 1e-9)
}

func TestOpenTelemetryInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	tr := New(WithMeterProvider(mp))
	ctx := context.Background()
	tr.RecordEncode(ctx, "aaaaaaaaaaaaaaaa", "aaaa", intent.Research)
	tr.RecordDecode(ctx, true)
	tr.RecordDecode(ctx, false)
	tr.RecordEscalation(ctx, "cloud")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["clawtalk.encoded.total"])
	assert.Equal(t, int64(2), sums["clawtalk.decoded.total"])
	assert.Equal(t, int64(3), sums["clawtalk.tokens.saved"])
	assert.Equal(t, int64(1), sums["clawtalk.escalations.total"])
}
