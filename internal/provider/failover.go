package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"actionbridge/internal/domain"
)

// FailoverProvider tries providers in order and returns the first success.
// Cancellation stops the chain.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{providers: providers, logger: logger}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, ">") + ")"
}

func (fp *FailoverProvider) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, p := range fp.providers {
		for _, m := range p.Models() {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	return all
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	for _, p := range fp.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy provider in failover chain")
}

func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.providers) == 0 {
		return nil, &Error{Provider: fp.Name(), Kind: KindProvider, Err: errors.New("empty failover chain")}
	}
	var lastErr error
	for i, p := range fp.providers {
		// A model pinned by the caller belongs to the primary provider only.
		r := req
		if i > 0 {
			r.Model = ""
		}
		resp, err := p.Chat(ctx, r)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		fp.logger.Warn("failover: provider failed, trying next", "provider", p.Name(), "attempt", i+1, "error", err)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
