package domain

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Models() []string
	Healthy(ctx context.Context) error
}

type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // stop | tool_calls | length
	Usage        Usage
	LatencyMs    int64
}

func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition is the provider-facing description of an action:
// name, description and a JSON-schema object for its parameters.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
