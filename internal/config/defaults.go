package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			MaxTokens:      4096,
			Temperature:    0.7,
			TimeoutSeconds: 60,
			RetryAttempts:  3,
			RetryDelayMs:   1000,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
			"openai": {
				Enabled:      false,
				APIKey:       "${OPENAI_API_KEY}",
				DefaultModel: "gpt-4o-mini",
			},
			"claude": {
				Enabled:      false,
				APIKey:       "${ANTHROPIC_API_KEY}",
				DefaultModel: "claude-sonnet-4-5",
			},
			"gemini": {
				Enabled:      false,
				APIKey:       "${GEMINI_API_KEY}",
				DefaultModel: "gemini-2.0-flash",
			},
		},
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
			RetryAttempts:  3,
			RetryDelayMs:   2000,
			Backoff:        "fixed",
			MaxDelayMs:     30000,
		},
		Agent: AgentConfig{
			MaxReprompts:        2,
			HistoryTurns:        10,
			MaxContextTokens:    4096,
			ConfidenceThreshold: 0.7,
		},
		Catalog: CatalogConfig{
			Builtin: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "~/.actionbridge/sessions.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "actionbridge:",
			},
		},
		Audit: AuditConfig{
			Enabled: true,
			RabbitMQ: RabbitMQConfig{
				Exchange:   "actionbridge.audit",
				RoutingKey: "execution",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Address:  "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
