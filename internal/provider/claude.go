package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"actionbridge/internal/domain"
)

type ClaudeConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Claude struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Claude{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (c *Claude) Name() string     { return "claude" }
func (c *Claude) Models() []string { return []string{c.model} }

func (c *Claude) Healthy(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("claude not reachable: %w", classify(c.Name(), claudeStatus(err), err))
	}
	return nil
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	system, turns := alternate(req.Messages)
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(claudeTemperature(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{Type: "object", Properties: def.Parameters["properties"]}
			if required, ok := def.Parameters["required"].([]string); ok {
				schema.Required = required
			}
			tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
			if tool.OfTool != nil && def.Description != "" {
				tool.OfTool.Description = anthropic.String(def.Description)
			}
			tools = append(tools, tool)
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(c.Name(), claudeStatus(err), err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, &Error{Provider: c.Name(), Kind: KindProvider, Err: errors.New("empty response")}
	}

	out := &domain.ChatResponse{
		FinishReason: string(resp.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(use.Input, &args); err != nil {
				c.logger.Warn("unparseable tool input", "tool", use.Name, "err", err)
				continue
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	return out, nil
}

// alternate pulls system messages out and merges consecutive same-role
// messages so the conversation starts with the user and alternates.
func alternate(msgs []domain.Message) (string, []domain.Message) {
	var system []string
	var out []domain.Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		if len(out) == 0 && role == "assistant" {
			out = append(out, domain.Message{Role: "user", Content: "(conversation resumed)"})
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, domain.Message{Role: role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), out
}

// claudeTemperature clamps to the [0,1] range the Messages API accepts.
func claudeTemperature(t float64) float64 {
	if t > 1 {
		return 1
	}
	return t
}

func claudeStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
