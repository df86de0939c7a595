package tpc

import (
	"fmt"
	"strings"

	"github.com/clawtalk/clawtalk/pkg/wire"
)

// Query describes an outbound message for the transport decision.
type Query struct {
	AgentToAgent bool
	Wire         *wire.Message
	// DisableTPC is a per-call override.
	DisableTPC bool
}

// ShouldFallbackToText reports whether a message should go out as plain
// text instead of TPC. Human-facing messages, messages carrying tpc=false,
// per-call overrides and a disabled transport all use text. When TPC is
// required but the runtime is not READY, text is used only if
// AllowTextFallback is set or enforcement is off; otherwise the result is
// false with ErrUnavailable and the caller must hold the message.
func (r *Runtime) ShouldFallbackToText(q Query) (bool, error) {
	if !q.AgentToAgent || q.DisableTPC || optedOut(q.Wire) {
		return true, nil
	}
	r.mu.RLock()
	cfg, state := r.cfg, r.state
	r.mu.RUnlock()
	switch {
	case !cfg.Enabled:
		return true, nil
	case state == StateReady:
		return false, nil
	case cfg.AllowTextFallback || !cfg.EnforceForAgentToAgent:
		return true, nil
	}
	return false, fmt.Errorf("%w: %w", ErrUnavailable, &NotInitializedError{Op: "send", State: state})
}

func optedOut(m *wire.Message) bool {
	if m == nil {
		return false
	}
	v, ok := m.Param("tpc")
	if !ok {
		return false
	}
	if b, ok := v.Boolean(); ok {
		return !b
	}
	if s, ok := v.Str(); ok {
		switch strings.ToLower(s) {
		case "false", "off", "no", "0":
			return true
		}
	}
	if n, ok := v.Num(); ok {
		return n == 0
	}
	return false
}
