package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"actionbridge/internal/domain"
)

type GeminiConfig struct {
	APIKey     string
	APIBase    string // empty for the public endpoint
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gemini talks to the Gemini API. The SDK client is created on first use
// because construction needs a context.
type Gemini struct {
	apiKey string
	base   string
	model  string
	hc     *http.Client
	logger *slog.Logger

	once      sync.Once
	client    *genai.Client
	clientErr error
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = SharedHTTPClient(defaultHTTPTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{apiKey: cfg.APIKey, base: cfg.APIBase, model: cfg.Model, hc: hc, logger: cfg.Logger}
}

func (g *Gemini) Name() string     { return "gemini" }
func (g *Gemini) Models() []string { return []string{g.model} }

func (g *Gemini) sdk(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		g.client, g.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      g.apiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPClient:  g.hc,
			HTTPOptions: genai.HTTPOptions{BaseURL: g.base},
		})
	})
	return g.client, g.clientErr
}

func (g *Gemini) Healthy(ctx context.Context) error {
	client, err := g.sdk(ctx)
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}
	if _, err := client.Models.Get(ctx, g.model, nil); err != nil {
		return fmt.Errorf("gemini not reachable: %w", classify(g.Name(), geminiStatus(err), err))
	}
	return nil
}

func (g *Gemini) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	start := time.Now()
	client, err := g.sdk(ctx)
	if err != nil {
		return nil, &Error{Provider: g.Name(), Kind: KindProvider, Err: err}
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	var system string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, def := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  geminiSchema(def.Parameters),
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, classify(g.Name(), geminiStatus(err), err)
	}
	if result == nil {
		return nil, &Error{Provider: g.Name(), Kind: KindProvider, Err: errors.New("empty response")}
	}

	out := &domain.ChatResponse{
		Content:   result.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(result.Candidates) > 0 {
		out.FinishReason = string(result.Candidates[0].FinishReason)
	}
	if u := result.UsageMetadata; u != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	for _, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = call.Name
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: id, Name: call.Name, Arguments: call.Args})
	}
	return out, nil
}

// geminiSchema converts a JSON-schema parameters object.
func geminiSchema(params map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	if props, ok := params["properties"].(map[string]any); ok {
		for name, p := range props {
			spec, _ := p.(map[string]any)
			prop := &genai.Schema{Type: geminiType(spec["type"])}
			if d, ok := spec["description"].(string); ok {
				prop.Description = d
			}
			if enum, ok := spec["enum"].([]string); ok {
				prop.Enum = enum
			}
			if prop.Type == genai.TypeArray {
				prop.Items = &genai.Schema{Type: genai.TypeString}
			}
			schema.Properties[name] = prop
		}
	}
	if required, ok := params["required"].([]string); ok {
		schema.Required = required
	}
	return schema
}

func geminiType(t any) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeString
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
