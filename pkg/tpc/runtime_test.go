package tpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clawtalk/clawtalk/pkg/artifacts"
	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/kms"
	"github.com/clawtalk/clawtalk/pkg/resiliency"
	"github.com/clawtalk/clawtalk/pkg/tpc/deaddrop"
	"github.com/clawtalk/clawtalk/pkg/tpc/fec"
	"github.com/clawtalk/clawtalk/pkg/tpc/nonce"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testMaster = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) events(t *testing.T) []audit.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var evt audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &evt))
		out = append(out, evt)
	}
	return out
}

type harness struct {
	dir        string
	clock      *testClock
	quarantine *artifacts.FileStore
	auditOut   *lockedBuffer
	audit      *audit.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "quarantine"))
	require.NoError(t, err)
	out := &lockedBuffer{}
	h := &harness{
		dir:        filepath.Join(t.TempDir(), "deaddrop"),
		clock:      newClock(),
		quarantine: q,
		auditOut:   out,
		audit:      audit.NewLogger(audit.NewWriterSink(out)),
	}
	t.Cleanup(func() { _ = h.audit.Close(context.Background()) })
	return h
}

func (h *harness) config() Config {
	return Config{
		Enabled:                true,
		Mode:                   ModeFile,
		DeadDropPath:           h.dir,
		MaxMessageAge:          5 * time.Minute,
		EnforceForAgentToAgent: true,
		PollInterval:           5 * time.Millisecond,
		Keys:                   kms.RotationConfig{Interval: time.Hour, Grace: time.Minute},
	}
}

func (h *harness) keys(t *testing.T, cfg kms.RotationConfig) *kms.Manager {
	t.Helper()
	m, err := kms.NewManager(testMaster, cfg)
	require.NoError(t, err)
	return m.WithClock(h.clock.Now)
}

func (h *harness) runtime(t *testing.T, cfg Config, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithKeyManager(h.keys(t, cfg.Keys)),
		WithClock(h.clock.Now),
		WithAuditLogger(h.audit),
		WithQuarantine(h.quarantine),
	}
	r := New(cfg, append(base, opts...)...)
	require.NoError(t, r.Initialize(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func (h *harness) pending(t *testing.T, recipient string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(h.dir, "*-"+recipient+"-*"))
	require.NoError(t, err)
	return files
}

func TestRuntime_FileRoundTrip(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	msg := wire.New(wire.VerbREQ, "web_search").With("q", wire.String("golang generics"))
	receipt, err := r.SendMessage(ctx, "alice", "bob", msg)
	require.NoError(t, err)
	assert.Equal(t, ModeFile, receipt.Mode)
	assert.NotEmpty(t, receipt.Nonce)
	require.Len(t, h.pending(t, "bob"), 1)

	d, err := r.Receive(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Envelope.Sender)
	assert.Equal(t, receipt.Nonce, d.Envelope.Nonce)
	require.NotNil(t, d.Message)
	assert.Equal(t, "web_search", d.Message.Action)
	assert.Empty(t, h.pending(t, "bob"))

	empty, err := r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestRuntime_NonWirePayload(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte{0x00, 0xFF, 0x10})
	require.NoError(t, err)
	d, err := r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []byte{0x00, 0xFF, 0x10}, d.Payload)
	assert.Nil(t, d.Message)
}

func TestRuntime_CorrectsCorruptedFrame(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 REQ file_read path=/tmp/notes.txt"))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	for _, i := range []int{frameHeaderLen + 5, frameHeaderLen + 60, frameHeaderLen + 120} {
		data[i] ^= 0xFF
	}
	require.NoError(t, os.WriteFile(files[0], data, 0o600))

	d, err := r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "file_read", d.Message.Action)
}

func TestRuntime_UncorrectableFrameQuarantined(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	for i := frameHeaderLen; i < frameHeaderLen+40; i++ {
		data[i] ^= 0x3C
	}
	require.NoError(t, os.WriteFile(files[0], data, 0o600))

	_, err = r.TryReceive(ctx, "bob")
	var rsErr *fec.ReedSolomonError
	require.ErrorAs(t, err, &rsErr)
	assert.False(t, IsSecurityError(err))

	ok, err := h.quarantine.Exists(ctx, artifacts.Digest(data))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuntime_RejectsReplay(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 ACK"))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	captured, err := os.ReadFile(files[0])
	require.NoError(t, err)

	_, err = r.TryReceive(ctx, "bob")
	require.NoError(t, err)

	attacker, err := deaddrop.New(h.dir)
	require.NoError(t, err)
	_, err = attacker.Put(ctx, "bob", "tpc", captured)
	require.NoError(t, err)

	_, err = r.TryReceive(ctx, "bob")
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SecurityReplay, se.Kind)

	ok, err := h.quarantine.Exists(ctx, artifacts.Digest(captured))
	require.NoError(t, err)
	assert.True(t, ok, "replayed envelope is quarantined")
}

func TestRuntime_RejectsReplayFromClockAheadSender(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	receiver := h.runtime(t, cfg)

	ahead := &testClock{now: h.clock.Now().Add(4 * time.Minute)}
	senderKeys, err := kms.NewManager(testMaster, cfg.Keys)
	require.NoError(t, err)
	sender := h.runtime(t, cfg, WithClock(ahead.Now), WithKeyManager(senderKeys.WithClock(ahead.Now)))
	ctx := context.Background()

	_, err = sender.Send(ctx, "alice", "bob", []byte("CT/1 REQ exec cmd=deploy"))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	captured, err := os.ReadFile(files[0])
	require.NoError(t, err)

	d, err := receiver.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, d)

	// Still inside the envelope's own validity window, past now+maxAge.
	h.clock.Advance(cfg.MaxMessageAge + time.Second)
	attacker, err := deaddrop.New(h.dir)
	require.NoError(t, err)
	_, err = attacker.Put(ctx, "bob", "tpc", captured)
	require.NoError(t, err)

	_, err = receiver.TryReceive(ctx, "bob")
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SecurityReplay, se.Kind)
}

func TestRuntime_FullNonceStoreRejects(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config(), WithNonceStore(nonce.NewMemoryStore(1).WithClock(h.clock.Now)))
	ctx := context.Background()

	for _, body := range []string{"CT/1 ACK", "CT/1 STATUS"} {
		_, err := r.Send(ctx, "alice", "bob", []byte(body))
		require.NoError(t, err)
	}
	d, err := r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, d)

	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	second, err := os.ReadFile(files[0])
	require.NoError(t, err)

	_, err = r.TryReceive(ctx, "bob")
	assert.ErrorIs(t, err, nonce.ErrFull)
	ok, err := h.quarantine.Exists(ctx, artifacts.Digest(second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuntime_RejectsExpired(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 ACK"))
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	_, err = r.TryReceive(ctx, "bob")
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SecurityExpired, se.Kind)
}

func TestRuntime_RejectsForeignSignature(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	receiver := h.runtime(t, cfg)

	otherKeys, err := kms.NewManager([]byte("fedcba9876543210fedcba9876543210"), cfg.Keys)
	require.NoError(t, err)
	forger := New(cfg, WithKeyManager(otherKeys.WithClock(h.clock.Now)), WithClock(h.clock.Now))
	require.NoError(t, forger.Initialize(context.Background()))
	t.Cleanup(func() { _ = forger.Shutdown(context.Background()) })

	ctx := context.Background()
	_, err = forger.Send(ctx, "mallory", "bob", []byte("CT/1 REQ exec cmd=whoami"))
	require.NoError(t, err)

	_, err = receiver.TryReceive(ctx, "bob")
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SecuritySignature, se.Kind)
}

func TestRuntime_RejectsMisaddressed(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 ACK"))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Remove(files[0]))

	drop, err := deaddrop.New(h.dir)
	require.NoError(t, err)
	_, err = drop.Put(ctx, "carol", "tpc", data)
	require.NoError(t, err)

	_, err = r.TryReceive(ctx, "carol")
	var se *SecurityError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SecurityMalformed, se.Kind)
}

func TestRuntime_KeyRotationBetweenPeers(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Keys = kms.RotationConfig{MaxUses: 1, Grace: time.Minute}
	sender := h.runtime(t, cfg)
	receiver := h.runtime(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rc, err := sender.Send(ctx, "alice", "bob", []byte("CT/1 STATUS"))
		require.NoError(t, err)
		d, err := receiver.TryReceive(ctx, "bob")
		require.NoError(t, err, "message %d signed with %s", i, rc.KeyID)
		require.NotNil(t, d)
		assert.Equal(t, rc.KeyID, d.Envelope.KeyID)
	}
}

func TestRuntime_RateLimited(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.RateLimit = ratelimit.Policy{Limit: 2, Window: time.Hour}
	r := h.runtime(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
		require.NoError(t, err)
	}
	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Len(t, h.pending(t, "bob"), 2, "rate-limited send writes nothing")

	_, err = r.Send(ctx, "carol", "bob", []byte("CT/1 NOOP"))
	assert.NoError(t, err)
}

type failingLink struct{ calls atomic.Int32 }

func (l *failingLink) Transmit(context.Context, string, []byte) error {
	l.calls.Add(1)
	return errors.New("speaker unplugged")
}

func (l *failingLink) Receive(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRuntime_BreakerOpensOnCarrierFailures(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Mode = ModeAcoustic
	cfg.Profile = "audible"
	cfg.Breaker = resiliency.BreakerConfig{Threshold: 2, Cooldown: time.Minute}
	link := &failingLink{}
	r := h.runtime(t, cfg, WithAcousticLink(link))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
		assert.ErrorContains(t, err, "speaker unplugged")
	}
	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
	assert.ErrorIs(t, err, resiliency.ErrOpen)
	assert.Equal(t, int32(2), link.calls.Load())

	h.clock.Advance(time.Minute)
	assert.Equal(t, resiliency.StateHalfOpen, r.Breaker().Snapshot().State)

	_, err = r.TryReceive(ctx, "bob")
	assert.ErrorContains(t, err, "non-blocking")
}

func TestRuntime_AcousticRoundTrip(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Mode = ModeAcoustic
	cfg.Profile = "audible"
	r := h.runtime(t, cfg)
	ctx := context.Background()

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 REQ web_search q=\"afsk modem\""))
	require.NoError(t, err)
	files := h.pending(t, "bob")
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], ".wav"))

	d, err := r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ModeAcoustic, d.Envelope.Mode)
	assert.Equal(t, "web_search", d.Message.Action)
}

func TestRuntime_Lifecycle(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	r := New(cfg, WithKeyManager(h.keys(t, cfg.Keys)), WithClock(h.clock.Now))
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, r.State())
	_, err := r.Send(ctx, "alice", "bob", nil)
	var nie *NotInitializedError
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, StateUninitialized, nie.State)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Initialize(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, r.IsReady())

	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx), "shutdown is idempotent")
	assert.Equal(t, StateClosed, r.State())

	_, err = r.Send(ctx, "alice", "bob", nil)
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, StateClosed, nie.State)
	assert.Error(t, r.Initialize(ctx), "closed runtime cannot be reinitialized")
	assert.Error(t, r.UpdateConfig(ctx, cfg))
}

func TestRuntime_FailedInitCanRetry(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	r := New(cfg, WithClock(h.clock.Now))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	ctx := context.Background()

	require.Error(t, r.Initialize(ctx), "no key material configured")
	assert.Equal(t, StateUninitialized, r.State())

	cfg.MasterKeyPath = filepath.Join(t.TempDir(), "keys", "master.key")
	require.NoError(t, r.UpdateConfig(ctx, cfg))
	require.NoError(t, r.Initialize(ctx))
	assert.True(t, r.IsReady())
	_, err := os.Stat(cfg.MasterKeyPath)
	assert.NoError(t, err)
}

func TestRuntime_DisabledTransport(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Enabled = false
	r := h.runtime(t, cfg)
	_, err := r.Send(context.Background(), "alice", "bob", nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestRuntime_ReceiveTimeout(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Receive(ctx, "bob")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRuntime_ShutdownCancelsReceive(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())

	errc := make(chan error, 1)
	go func() {
		_, err := r.Receive(context.Background(), "bob")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	select {
	case err := <-errc:
		var nie *NotInitializedError
		assert.ErrorAs(t, err, &nie)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after shutdown")
	}
}

func TestRuntime_UpdateConfigMovesDeadDrop(t *testing.T) {
	h := newHarness(t)
	r := h.runtime(t, h.config())
	ctx := context.Background()

	cfg := h.config()
	cfg.DeadDropPath = filepath.Join(t.TempDir(), "moved")
	require.NoError(t, r.UpdateConfig(ctx, cfg))

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 NOOP"))
	require.NoError(t, err)
	moved, err := filepath.Glob(filepath.Join(cfg.DeadDropPath, "*-bob-*"))
	require.NoError(t, err)
	assert.Len(t, moved, 1)
	assert.Empty(t, h.pending(t, "bob"))

	bad := cfg
	bad.Mode = "smoke-signals"
	assert.Error(t, r.UpdateConfig(ctx, bad))
	assert.Equal(t, ModeFile, r.Config().Mode)
}

func TestRuntime_AuditTrail(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	r := New(cfg,
		WithKeyManager(h.keys(t, cfg.Keys)),
		WithClock(h.clock.Now),
		WithAuditLogger(h.audit),
	)
	ctx := context.Background()
	require.NoError(t, r.Initialize(ctx))

	_, err := r.Send(ctx, "alice", "bob", []byte("CT/1 ACK"))
	require.NoError(t, err)
	_, err = r.TryReceive(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, h.audit.Close(ctx))

	var types []audit.EventType
	for _, evt := range h.auditOut.events(t) {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventSystem, audit.EventSend, audit.EventReceive, audit.EventSystem,
	}, types)
}
