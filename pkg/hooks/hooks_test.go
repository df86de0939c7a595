package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/llm"
	"github.com/clawtalk/clawtalk/pkg/orchestrator"
	"github.com/clawtalk/clawtalk/pkg/tpc"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

type fixture struct {
	hooks   *Hooks
	runtime *tpc.Runtime
	log     *audit.Logger
	out     *syncBuffer
}

func planner(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	exec := llm.ExecutorFunc(func(context.Context, llm.Prompt) (string, error) { return "ok", nil })
	o, err := orchestrator.New(exec, orchestrator.DefaultConfig())
	require.NoError(t, err)
	return o
}

func tpcConfig(t *testing.T) tpc.Config {
	dir := t.TempDir()
	cfg := tpc.DefaultConfig()
	cfg.DeadDropPath = filepath.Join(dir, "deaddrop")
	cfg.MasterKeyPath = filepath.Join(dir, "keys", "master.key")
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg tpc.Config, initialize bool) *fixture {
	t.Helper()
	out := &syncBuffer{}
	log := audit.NewLogger(audit.NewWriterSink(out))
	rt := tpc.New(cfg, tpc.WithAuditLogger(log))
	if initialize {
		require.NoError(t, rt.Initialize(context.Background()))
	}
	t.Cleanup(func() {
		_ = rt.Shutdown(context.Background())
		_ = log.Close(context.Background())
	})
	return &fixture{hooks: New(planner(t), rt, log), runtime: rt, log: log, out: out}
}

// events closes the audit logger and returns what it wrote.
func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	require.NoError(t, f.log.Close(context.Background()))
	f.out.mu.Lock()
	defer f.out.mu.Unlock()
	var evts []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(f.out.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e audit.Event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		evts = append(evts, e)
	}
	return evts
}

func fallbacks(evts []audit.Event) []audit.Event {
	var out []audit.Event
	for _, e := range evts {
		if e.Type == audit.EventFallback {
			out = append(out, e)
		}
	}
	return out
}

func TestBeforeAgentStart(t *testing.T) {
	h := New(planner(t), nil, nil)
	ov, err := h.BeforeAgentStart(context.Background(), Turn{
		AgentID:      "main",
		Prompt:       "search for nodejs streams",
		SystemPrompt: "Host rules.",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search", "browse", "summarize"}, ov.Tools)
	assert.Equal(t, "local", ov.Model)
	assert.False(t, ov.Escalated)
	assert.True(t, strings.HasPrefix(ov.SystemPrompt, "Host rules.\n\n"))
	assert.Contains(t, ov.SystemPrompt, "You research topics on the web.")
	assert.Equal(t, `[route:researcher] [ct:CT/1 REQ web_search q="nodejs streams"]`, ov.Annotations)

	assert.Equal(t, "Found three articles.", SanitizeOutbound(ov.Annotations+" Found three articles."))
}

func TestBeforeAgentStart_Escalation(t *testing.T) {
	h := New(planner(t), nil, nil)
	ov, err := h.BeforeAgentStart(context.Background(), Turn{Prompt: "audit /srv/app for vulnerabilities"})
	require.NoError(t, err)
	assert.True(t, ov.Escalated)
	assert.Equal(t, "cloud", ov.Model)
	assert.Contains(t, ov.Annotations, "[escalate:cloud]")
	assert.Contains(t, ov.Reason, string(intent.Security))
}

func TestBeforeAgentStart_NoOverride(t *testing.T) {
	h := New(planner(t), nil, nil)
	ov, err := h.BeforeAgentStart(context.Background(), Turn{Prompt: "  "})
	require.NoError(t, err)
	assert.Equal(t, Override{}, ov)

	_, err = h.BeforeAgentStart(context.Background(), Turn{Prompt: "CT/1 REQ web_search 9q=x"})
	assert.Error(t, err)
}

func TestSendAgentMessage_OverTPC(t *testing.T) {
	f := newFixture(t, tpcConfig(t), true)
	ctx := context.Background()

	out, err := f.hooks.SendAgentMessage(ctx, AgentMessage{From: "alice", To: "bob", Text: "search for nodejs streams"})
	require.NoError(t, err)
	assert.Equal(t, TransportTPC, out.Transport)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, tpc.ModeFile, out.Receipt.Mode)

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	in, err := f.hooks.ReceiveAgentMessage(rctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, in.Delivery.Message)
	assert.Equal(t, intent.ActionWebSearch, in.Delivery.Message.Action)
	assert.NotEmpty(t, in.Text)
	assert.NotContains(t, in.Text, "CT/1", "inbound text is rendered for humans")
	assert.Empty(t, fallbacks(f.events(t)))
}

func TestSendAgentMessage_OptOut(t *testing.T) {
	f := newFixture(t, tpcConfig(t), true)
	out, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{
		From: "alice", To: "bob", Text: "CT/1 REQ web_search q=go tpc=false",
	})
	require.NoError(t, err)
	assert.Equal(t, TransportText, out.Transport)
	assert.Equal(t, "CT/1 REQ web_search q=go tpc=false", out.Text)

	fb := fallbacks(f.events(t))
	require.Len(t, fb, 1)
	assert.Equal(t, "policy", fb[0].Metadata["reason"])
	assert.Equal(t, "alice", fb[0].Actor)
	assert.Equal(t, "bob", fb[0].Resource)
}

func TestSendAgentMessage_PerCallOverride(t *testing.T) {
	f := newFixture(t, tpcConfig(t), true)
	out, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{
		From: "alice", To: "bob", Text: "hello", DisableTPC: true,
	})
	require.NoError(t, err)
	assert.Equal(t, TransportText, out.Transport)
}

func TestSendAgentMessage_UnavailableBlocks(t *testing.T) {
	f := newFixture(t, tpcConfig(t), false)
	_, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{From: "alice", To: "bob", Text: "hello"})
	require.ErrorIs(t, err, tpc.ErrUnavailable)

	fb := fallbacks(f.events(t))
	require.Len(t, fb, 1)
	assert.Equal(t, "blocked", fb[0].Metadata["reason"])
}

func TestSendAgentMessage_UnavailableWithFallback(t *testing.T) {
	cfg := tpcConfig(t)
	cfg.AllowTextFallback = true
	f := newFixture(t, cfg, false)
	out, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{From: "alice", To: "bob", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, TransportText, out.Transport)
}

func TestSendAgentMessage_SendFailure(t *testing.T) {
	cfg := tpcConfig(t)
	f := newFixture(t, cfg, true)
	_, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{From: "alice", To: "../bob", Text: "hello"})
	require.Error(t, err, "no downgrade without AllowTextFallback")

	cfg.AllowTextFallback = true
	require.NoError(t, f.runtime.UpdateConfig(context.Background(), cfg))
	out, err := f.hooks.SendAgentMessage(context.Background(), AgentMessage{From: "alice", To: "../bob", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, TransportText, out.Transport)

	fb := fallbacks(f.events(t))
	require.Len(t, fb, 1)
	assert.Equal(t, "send_failed", fb[0].Metadata["reason"])
}

func TestSendAgentMessage_RateLimitNeverDowngrades(t *testing.T) {
	cfg := tpcConfig(t)
	cfg.AllowTextFallback = true
	cfg.RateLimit = ratelimit.Policy{Limit: 1, Window: time.Hour}
	f := newFixture(t, cfg, true)
	ctx := context.Background()

	out, err := f.hooks.SendAgentMessage(ctx, AgentMessage{From: "alice", To: "bob", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, TransportTPC, out.Transport)

	_, err = f.hooks.SendAgentMessage(ctx, AgentMessage{From: "alice", To: "bob", Text: "hello again"})
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestSendAgentMessage_NoRuntime(t *testing.T) {
	h := New(planner(t), nil, nil)
	out, err := h.SendAgentMessage(context.Background(), AgentMessage{From: "a", To: "b", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, TransportText, out.Transport)
	assert.True(t, strings.HasPrefix(out.Text, "CT/1 REQ chat"))

	_, err = h.SendAgentMessage(context.Background(), AgentMessage{From: "a", To: "b", Text: " "})
	assert.Error(t, err)

	_, err = h.ReceiveAgentMessage(context.Background(), "b")
	assert.ErrorIs(t, err, tpc.ErrDisabled)
}
