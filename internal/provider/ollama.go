package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"actionbridge/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
)

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Ollama implements domain.Provider for a local or remote Ollama server.
type Ollama struct {
	client       *api.Client
	defaultModel string
	logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	base, err := url.Parse(cfg.APIBase)
	if err != nil {
		return nil, fmt.Errorf("ollama api base: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		client:       api.NewClient(base, hc),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (o *Ollama) Name() string     { return "ollama" }
func (o *Ollama) Models() []string { return []string{o.defaultModel} }

func (o *Ollama) Healthy(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	return nil
}

func (o *Ollama) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	messages := make([]api.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = api.Message{Role: m.Role, Content: m.Content}
	}
	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = ollamaTools(req.Tools)
	}

	var resp api.ChatResponse
	err := o.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return nil, classify(o.Name(), ollamaStatus(err), err)
	}

	out := &domain.ChatResponse{
		Content:      resp.Message.Content,
		FinishReason: resp.DoneReason,
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for i, call := range resp.Message.ToolCalls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments.ToMap(),
		})
	}
	return out, nil
}

func ollamaTools(defs []domain.ToolDefinition) api.Tools {
	tools := make(api.Tools, len(defs))
	for i, def := range defs {
		props := api.NewToolPropertiesMap()
		if raw, ok := def.Parameters["properties"].(map[string]any); ok {
			for name, p := range raw {
				spec, _ := p.(map[string]any)
				prop := api.ToolProperty{}
				if t, ok := spec["type"].(string); ok {
					prop.Type = api.PropertyType{t}
				}
				if d, ok := spec["description"].(string); ok {
					prop.Description = d
				}
				if enum, ok := spec["enum"].([]string); ok {
					for _, v := range enum {
						prop.Enum = append(prop.Enum, v)
					}
				}
				props.Set(name, prop)
			}
		}
		required, _ := def.Parameters["required"].([]string)
		tools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: props,
					Required:   required,
				},
			},
		}
	}
	return tools
}

func ollamaStatus(err error) int {
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
