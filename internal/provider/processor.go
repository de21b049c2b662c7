package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"actionbridge/internal/domain"
	"actionbridge/internal/retry"
)

// Recorder observes each provider attempt.
type Recorder interface {
	LLMCall(provider, outcome string, elapsed time.Duration, usage domain.Usage)
}

// ProcessorConfig is passed through to the provider unchanged; Validate is
// the only check applied and runs once at startup.
type ProcessorConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Retry       retry.Policy
	Limiter     *rate.Limiter
	Sleep       retry.Sleeper
	Logger      *slog.Logger
	Recorder    Recorder
}

func (c ProcessorConfig) Validate() error {
	var errs []string
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("temperature must be in [0,2], got %v", c.Temperature))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Sprintf("maxTokens must be > 0, got %d", c.MaxTokens))
	}
	if strings.TrimSpace(c.Model) == "" {
		errs = append(errs, "model is required")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Processor is the LLM boundary of the orchestrator: one provider, fixed
// settings, bounded retries on rate limits and timeouts.
type Processor struct {
	provider domain.Provider
	cfg      ProcessorConfig
	logger   *slog.Logger
}

func NewProcessor(p domain.Provider, cfg ProcessorConfig) (*Processor, error) {
	if p == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Model == "" {
		if models := p.Models(); len(models) > 0 {
			cfg.Model = models[0]
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("llm config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{provider: p, cfg: cfg, logger: logger}, nil
}

func (p *Processor) Provider() string { return p.provider.Name() }
func (p *Processor) Model() string    { return p.cfg.Model }

// Complete sends the ordered messages and returns a completion or a tool
// proposal. Failures are *Error values of kind rate_limited, timeout,
// unavailable or provider.
func (p *Processor) Complete(ctx context.Context, messages []domain.Message, tools []domain.ToolDefinition) (*domain.ChatResponse, error) {
	req := domain.ChatRequest{
		Messages:    messages,
		Tools:       tools,
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	}
	name := p.provider.Name()
	runner := retry.Runner{
		Policy:    p.cfg.Retry,
		Retryable: IsRetryable,
		Sleep:     p.cfg.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			p.logger.Warn("llm call failed, will retry", "provider", name, "attempt", attempt, "backoff", delay, "error", err)
		},
	}

	var resp *domain.ChatResponse
	attempts, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
		if p.cfg.Limiter != nil {
			if err := p.cfg.Limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The limiter refuses up front when the wait would outlast the deadline.
				return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		start := time.Now()
		r, err := p.provider.Chat(actx, req)
		err = p.normalize(ctx, name, err)
		p.record(name, r, err, time.Since(start))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		p.logger.Error("llm call failed", "provider", name, "attempts", attempts, "error", err)
		return nil, err
	}
	p.logger.Debug("llm call", "provider", name, "attempts", attempts,
		"tokens", resp.Usage.TotalTokens, "tool_calls", len(resp.ToolCalls))
	return resp, nil
}

// normalize makes sure every failure except caller cancellation is a
// classified *Error, whatever the provider returned.
func (p *Processor) normalize(parent context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: name, Kind: KindTimeout, Err: err}
	}
	return &Error{Provider: name, Kind: KindProvider, Err: err}
}

func (p *Processor) record(name string, r *domain.ChatResponse, err error, elapsed time.Duration) {
	if p.cfg.Recorder == nil {
		return
	}
	outcome := "ok"
	var usage domain.Usage
	if err != nil {
		outcome = string(KindOf(err))
	} else if r != nil {
		usage = r.Usage
	}
	p.cfg.Recorder.LLMCall(name, outcome, elapsed, usage)
}
