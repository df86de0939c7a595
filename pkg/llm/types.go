// Package llm is the prompt execution collaborator used by the orchestrator.
//
// The orchestrator only depends on Executor. Router implements it over one or
// more chat Clients, keyed by the logical model names escalation produces
// ("local", "cloud", or a profile's preferred model).
package llm

import "context"

// Prompt is one execution request.
type Prompt struct {
	Prompt       string
	SystemPrompt string
	// Model is a logical model name. Empty selects the router default.
	Model string
	// Tools restricts the tools offered to the model. Nil means no restriction.
	Tools []string
}

// Executor runs a prompt and returns the model's text.
type Executor interface {
	ExecutePrompt(ctx context.Context, p Prompt) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p Prompt) (string, error)

func (f ExecutorFunc) ExecutePrompt(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is a chat-completion backend.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
