package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"actionbridge/internal/agent"
	"actionbridge/internal/apiclient"
	"actionbridge/internal/audit"
	"actionbridge/internal/config"
	"actionbridge/internal/domain"
	"actionbridge/internal/logging"
	"actionbridge/internal/memory"
	"actionbridge/internal/metrics"
	"actionbridge/internal/provider"
	"actionbridge/internal/tool"
)

// app holds everything a running command needs, built from one config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     domain.ConversationStore
	registry  *tool.Registry
	processor *provider.Processor
	orch      *agent.Orchestrator
	collector *metrics.Collector

	closers []io.Closer
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(config.ExpandPath(cfgPath)); os.IsNotExist(err) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		return config.Defaults(), nil
	}
	return config.Load(cfgPath)
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:  cfg.General.LogLevel,
		Format: cfg.General.LogFormat,
		File:   cfg.General.LogFile,
	})
}

// buildStore opens only the conversation store, for commands that read
// history without talking to a model.
func buildStore(ctx context.Context) (*config.Config, domain.ConversationStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := memory.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, func() { store.Close() }, nil
}

// buildApp wires config, logging, metrics, storage, audit, the backend
// client, the action registry and the LLM into an orchestrator.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, collector: metrics.NewCollector()}
	a.closers = append(a.closers, logCloser)

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, log := a.cfg, a.logger

	store, err := memory.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	redactor, err := audit.NewRedactor(cfg.Audit.Redact)
	if err != nil {
		return err
	}
	sink, err := a.auditSink()
	if err != nil {
		return err
	}

	client, err := apiclient.New(apiclient.Config{
		BaseURL:   cfg.API.BaseURL,
		APIKey:    cfg.API.APIKey,
		Timeout:   cfg.API.Timeout(),
		Retry:     cfg.API.RetryPolicy(),
		UserAgent: "actionbridge/" + version,
		Logger:    log,
		Recorder:  a.collector,
	})
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}

	registry, err := loadRegistry(cfg, tool.NewHTTPExecutor(client), log)
	if err != nil {
		return err
	}
	registry.SetRecorder(a.collector)
	registry.Seal()
	a.registry = registry

	prov, err := provider.NewFactory(cfg, log).Default()
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	var limiter *rate.Limiter
	if cfg.LLM.RateLimitPerMinute > 0 {
		limiter = provider.NewRateLimiter(cfg.LLM.Burst, float64(cfg.LLM.RateLimitPerMinute))
	}
	processor, err := provider.NewProcessor(prov, provider.ProcessorConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout(),
		Retry:       cfg.LLM.RetryPolicy(),
		Limiter:     limiter,
		Logger:      log,
		Recorder:    a.collector,
	})
	if err != nil {
		return err
	}
	a.processor = processor

	maxReprompts := cfg.Agent.MaxReprompts
	if maxReprompts == 0 {
		maxReprompts = -1 // configured zero means no re-prompts
	}
	parser := agent.NewIntentParser(agent.IntentParserConfig{
		LLM:     processor,
		Catalog: registry,
		Prompt: agent.NewPromptBuilder(agent.PromptConfig{
			Catalog:           registry,
			SystemPromptExtra: cfg.Agent.SystemPromptExtra,
		}),
		Context: agent.NewContextManager(agent.ContextManagerConfig{
			HistoryTurns:     cfg.Agent.HistoryTurns,
			MaxContextTokens: cfg.Agent.MaxContextTokens,
			Logger:           log,
		}),
		MaxReprompts:        maxReprompts,
		ConfidenceThreshold: cfg.Agent.ConfidenceThreshold,
		NativeTools:         cfg.Agent.NativeTools,
		Recorder:            a.collector,
		Logger:              log,
	})

	a.orch = agent.NewOrchestrator(agent.OrchestratorConfig{
		Parser: parser,
		Sessions: agent.NewSessionManager(agent.SessionManagerConfig{
			Store:     store,
			LoadTurns: cfg.Agent.HistoryTurns,
			Logger:    log,
		}),
		Tools:    registry,
		Audit:    sink,
		Redactor: redactor,
		Metrics:  a.collector,
		Logger:   log,
	})
	log.Info("actionbridge ready", "provider", processor.Provider(), "model", processor.Model(),
		"actions", registry.Len(), "store", cfg.Store.Driver, "backend", client.BaseURL())
	return nil
}

// auditSink fans entries out to the log, the SQL store when there is one,
// and RabbitMQ when configured. It returns nil when auditing is off.
func (a *app) auditSink() (domain.AuditSink, error) {
	if !a.cfg.Audit.Enabled {
		return nil, nil
	}
	sinks := audit.Multi{audit.NewLogSink(a.logger)}
	if l, ok := a.store.(audit.Logger); ok {
		sinks = append(sinks, audit.NewStoreSink(l))
	}
	if rc := a.cfg.Audit.RabbitMQ; rc.URL != "" {
		amqpSink, err := audit.NewAMQPSink(audit.AMQPConfig{
			URL:        rc.URL,
			Exchange:   rc.Exchange,
			RoutingKey: rc.RoutingKey,
			Queue:      rc.Queue,
		})
		if err != nil {
			return nil, fmt.Errorf("audit rabbitmq: %w", err)
		}
		async := audit.NewAsync(amqpSink, 0, func(err error) {
			a.logger.Warn("audit publish failed", "err", err)
		})
		// Close order is reversed: drain the buffer before the connection goes.
		a.closers = append(a.closers, amqpSink, async)
		sinks = append(sinks, async)
	}
	return sinks, nil
}

// loadRegistry registers the built-in and configured catalogues that pass
// the allow/deny filter. It does not seal the registry.
func loadRegistry(cfg *config.Config, exec tool.Executor, log *slog.Logger) (*tool.Registry, error) {
	var schemas []domain.ActionSchema
	if cfg.Catalog.Builtin {
		builtin, err := tool.Builtin()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, builtin...)
	}
	if cfg.Catalog.Path != "" {
		loaded, err := tool.LoadCatalog(cfg.Catalog.Path, log)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, loaded...)
	}
	schemas = tool.NewFilter(cfg.Catalog.Allow, cfg.Catalog.Deny).Apply(schemas)

	registry := tool.NewRegistry(log)
	if err := tool.RegisterAll(registry, schemas, exec); err != nil {
		return nil, err
	}
	if registry.Len() == 0 {
		return nil, errors.New("no actions registered; check catalog.builtin, catalog.path and catalog.allow")
	}
	return registry, nil
}

// serveMetrics exposes the collector until ctx ends.
func (a *app) serveMetrics(ctx context.Context) {
	mc := a.cfg.Metrics
	if !mc.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(mc.Endpoint, a.collector.Handler())
	srv := &http.Server{Addr: mc.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics endpoint listening", "addr", mc.Address, "path", mc.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}
