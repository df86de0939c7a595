package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNoClient is returned when no client serves the requested model.
var ErrNoClient = errors.New("llm: no client for model")

// Router is an Executor that picks a Client by logical model name.
type Router struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback Client
	logger   *slog.Logger
}

// NewRouter creates a router. fallback serves unregistered and empty model
// names; it may be nil.
func NewRouter(fallback Client) *Router {
	return &Router{
		clients:  make(map[string]Client),
		fallback: fallback,
		logger:   slog.Default().With("component", "llm"),
	}
}

// Register binds a logical model name to c.
func (r *Router) Register(model string, c Client) *Router {
	r.mu.Lock()
	r.clients[strings.ToLower(model)] = c
	r.mu.Unlock()
	return r
}

func (r *Router) client(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[strings.ToLower(model)]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoClient, model)
}

// ExecutePrompt sends p as a system + user exchange and returns the reply.
// A reply made only of tool calls is rendered one call per line.
func (r *Router) ExecutePrompt(ctx context.Context, p Prompt) (string, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return "", fmt.Errorf("llm: prompt must not be empty")
	}
	c, err := r.client(p.Model)
	if err != nil {
		return "", err
	}

	var msgs []Message
	if p.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.SystemPrompt})
	}
	msgs = append(msgs, Message{Role: "user", Content: p.Prompt})

	var tools []ToolDefinition
	for _, name := range p.Tools {
		tools = append(tools, ToolDefinition{
			Name:       name,
			Parameters: map[string]any{"type": "object"},
		})
	}

	resp, err := c.Chat(ctx, msgs, tools, nil)
	if err != nil {
		r.logger.WarnContext(ctx, "prompt execution failed", "model", p.Model, "error", err)
		return "", err
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		return resp.Content, nil
	}
	lines := make([]string, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		lines = append(lines, fmt.Sprintf("%s %s", tc.Name, args))
	}
	return strings.Join(lines, "\n"), nil
}
