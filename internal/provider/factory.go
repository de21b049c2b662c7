package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"actionbridge/internal/config"
	"actionbridge/internal/domain"
)

// Constructor builds a provider from its config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// Factory creates and caches providers from config. The orchestrator asks
// it once at startup; nothing branches on provider names per call.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Provider
	mu           sync.Mutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces a constructor by provider name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
	f.constructors["claude"] = func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
	f.constructors["anthropic"] = f.constructors["claude"]
	f.constructors["gemini"] = func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewGemini(GeminiConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger}), nil
	}
	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the named provider, building it on first use.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.LLM.Provider
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]
	var (
		p   domain.Provider
		err error
	)
	switch {
	case found:
		p, err = ctor(pc, f.logger)
	case pc.APIBase != "":
		// Unknown names with an API base are treated as OpenAI-compatible.
		p = NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger})
	default:
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
	}
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.cache[name] = p
	return p, nil
}

// Default returns the configured provider, wrapped in a failover chain
// when llm.failover lists fallbacks.
func (f *Factory) Default() (domain.Provider, error) {
	primary, err := f.Get(f.cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}
	if len(f.cfg.LLM.Failover) == 0 {
		return primary, nil
	}
	chain := []domain.Provider{primary}
	for _, name := range f.cfg.LLM.Failover {
		if name == f.cfg.LLM.Provider {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping failover provider", "provider", name, "err", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Check reports the health of every enabled provider by name.
func (f *Factory) Check(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for name, pc := range f.cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			out[name] = err
			continue
		}
		out[name] = p.Healthy(ctx)
	}
	return out
}
