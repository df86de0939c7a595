// Package hooks exposes the host-facing entry points: a hook run before an
// agent turn starts, an outbound sanitizer for text a human will read, and
// the agent-to-agent send and receive path over TPC.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/decoder"
	"github.com/clawtalk/clawtalk/pkg/encoder"
	"github.com/clawtalk/clawtalk/pkg/orchestrator"
	"github.com/clawtalk/clawtalk/pkg/tpc"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// Transport names how an agent message went out.
type Transport string

const (
	TransportTPC  Transport = "tpc"
	TransportText Transport = "text"
)

// Turn is the context passed to BeforeAgentStart.
type Turn struct {
	AgentID      string
	Prompt       string
	SystemPrompt string
}

// Override is what the host should change for the turn. Empty fields leave
// the host's value alone.
type Override struct {
	SystemPrompt string
	Tools        []string
	Model        string
	// Annotations are inline [route:…] [escalate:…] [ct:…] markers for the
	// agent's context. SanitizeOutbound removes them.
	Annotations string
	Escalated   bool
	Reason      string
}

// AgentMessage is one outbound agent-to-agent message.
type AgentMessage struct {
	From string
	To   string
	// Text is wire text, or natural language that will be encoded.
	Text string
	// DisableTPC forces plain text for this message.
	DisableTPC bool
}

// Outcome reports how SendAgentMessage delivered a message.
type Outcome struct {
	Transport Transport
	// Text is the plain-text form to deliver when Transport is text.
	Text    string
	Receipt *tpc.Receipt
}

// Inbound is a received agent message with its human-readable rendering.
type Inbound struct {
	Delivery *tpc.Delivery
	Text     string
}

// Hooks is safe for concurrent use.
type Hooks struct {
	planner *orchestrator.Orchestrator
	runtime *tpc.Runtime
	audit   *audit.Logger
	logger  *slog.Logger
}

// New creates hooks. runtime and auditLog may be nil; without a runtime
// every agent message goes out as text.
func New(planner *orchestrator.Orchestrator, runtime *tpc.Runtime, auditLog *audit.Logger) *Hooks {
	return &Hooks{
		planner: planner,
		runtime: runtime,
		audit:   auditLog,
		logger:  slog.Default().With("component", "hooks"),
	}
}

// BeforeAgentStart routes the turn's prompt and returns the profile's
// system prompt, tool list and model. A blank prompt yields no override.
func (h *Hooks) BeforeAgentStart(ctx context.Context, t Turn) (Override, error) {
	if strings.TrimSpace(t.Prompt) == "" || h.planner == nil {
		return Override{}, nil
	}
	plan, err := h.planner.Plan(ctx, t.Prompt)
	if err != nil {
		return Override{}, fmt.Errorf("before agent start: %w", err)
	}

	system := orchestrator.SystemPrompt(plan.Profile, plan.Message)
	if t.SystemPrompt != "" {
		system = t.SystemPrompt + "\n\n" + system
	}
	ann := []string{"[route:" + plan.Profile.ID + "]"}
	if plan.Decision.Escalate {
		ann = append(ann, "[escalate:"+plan.Model+"]")
	}
	ann = append(ann, "[ct:"+plan.Wire()+"]")

	h.logger.DebugContext(ctx, "agent turn planned", "agent", t.AgentID, "profile", plan.Profile.ID, "model", plan.Model)
	return Override{
		SystemPrompt: system,
		Tools:        plan.Profile.Tools,
		Model:        plan.Model,
		Annotations:  strings.Join(ann, " "),
		Escalated:    plan.Decision.Escalate,
		Reason:       plan.Decision.Reason,
	}, nil
}

// SendAgentMessage delivers m over TPC when the transport decision allows
// it and reports a text delivery otherwise. When TPC is required but
// unavailable the error is returned and the caller must hold the message.
// A failed TPC send is downgraded to text only with AllowTextFallback, and
// never when the sender is rate limited.
func (h *Hooks) SendAgentMessage(ctx context.Context, m AgentMessage) (Outcome, error) {
	msg, err := outboundMessage(m.Text)
	if err != nil {
		return Outcome{}, err
	}
	text := wire.Serialize(msg)

	if h.runtime == nil {
		h.recordFallback(ctx, m, "no_runtime", nil)
		return Outcome{Transport: TransportText, Text: text}, nil
	}

	fallback, err := h.runtime.ShouldFallbackToText(tpc.Query{AgentToAgent: true, Wire: msg, DisableTPC: m.DisableTPC})
	if err != nil {
		h.recordFallback(ctx, m, "blocked", err)
		return Outcome{}, err
	}
	if fallback {
		h.recordFallback(ctx, m, "policy", nil)
		return Outcome{Transport: TransportText, Text: text}, nil
	}

	receipt, err := h.runtime.SendMessage(ctx, m.From, m.To, msg)
	if err == nil {
		return Outcome{Transport: TransportTPC, Receipt: receipt}, nil
	}
	if h.runtime.Config().AllowTextFallback && !errors.Is(err, ratelimit.ErrRateLimited) && ctx.Err() == nil {
		reason := "send_failed"
		if tpc.IsSecurityError(err) {
			reason = "security"
		}
		h.logger.WarnContext(ctx, "tpc send failed, falling back to text", "to", m.To, "error", err)
		h.recordFallback(ctx, m, reason, err)
		return Outcome{Transport: TransportText, Text: text}, nil
	}
	return Outcome{}, err
}

// ReceiveAgentMessage waits for the next message to recipient and renders
// it for a human reader. Rejections are audited by the runtime.
func (h *Hooks) ReceiveAgentMessage(ctx context.Context, recipient string) (*Inbound, error) {
	if h.runtime == nil {
		return nil, fmt.Errorf("hooks: %w", tpc.ErrDisabled)
	}
	d, err := h.runtime.Receive(ctx, recipient)
	if err != nil {
		return nil, err
	}
	in := &Inbound{Delivery: d}
	if d.Message != nil {
		in.Text = decoder.Decode(d.Message)
	} else {
		in.Text = string(d.Payload)
	}
	return in, nil
}

func outboundMessage(text string) (*wire.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("hooks: empty agent message")
	}
	if wire.IsClawTalkMessage(text) {
		return wire.Parse(text)
	}
	return encoder.Encode(text).Message, nil
}

func (h *Hooks) recordFallback(ctx context.Context, m AgentMessage, reason string, cause error) {
	meta := map[string]any{"from": m.From, "reason": reason}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	if err := h.audit.Record(audit.WithActor(ctx, m.From), audit.EventFallback, "send", m.To, meta); err != nil {
		h.logger.DebugContext(ctx, "fallback audit not recorded", "error", err)
	}
}
