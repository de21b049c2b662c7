package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"actionbridge/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

type OpenAIConfig struct {
	APIKey     string
	APIBase    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAI talks to the chat completions API, or to any compatible endpoint
// when APIBase is set.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
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
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string     { return "openai" }
func (o *OpenAI) Models() []string { return []string{o.model} }

func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai not reachable: %w", classify(o.Name(), openaiStatus(err), err))
	}
	return nil
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.Parameters),
			},
		})
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(o.Name(), openaiStatus(err), err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &Error{Provider: o.Name(), Kind: KindProvider, Err: errors.New("empty response")}
	}

	choice := resp.Choices[0]
	out := &domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				o.logger.Warn("unparseable tool arguments", "tool", tc.Function.Name, "err", err)
				continue
			}
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func openaiStatus(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
