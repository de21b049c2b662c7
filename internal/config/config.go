package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"actionbridge/internal/retry"
)

// Config is the root configuration for actionbridge.
type Config struct {
	General   GeneralConfig             `json:"general"`
	LLM       LLMConfig                 `json:"llm"`
	Providers map[string]ProviderConfig `json:"providers"`
	API       APIConfig                 `json:"api"`
	Agent     AgentConfig               `json:"agent"`
	Catalog   CatalogConfig             `json:"catalog"`
	Store     StoreConfig               `json:"store"`
	Audit     AuditConfig               `json:"audit"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`         // "text" | "json"
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// LLMConfig holds the processor settings. They are checked once at startup
// and passed to the provider unchanged afterwards.
type LLMConfig struct {
	Provider           string   `json:"provider"`
	Model              string   `json:"model,omitempty"` // empty = provider's defaultModel
	MaxTokens          int      `json:"maxTokens"`
	Temperature        float64  `json:"temperature"`
	TimeoutSeconds     int      `json:"timeoutSeconds"`
	RetryAttempts      int      `json:"retryAttempts"`
	RetryDelayMs       int      `json:"retryDelayMs"`
	RateLimitPerMinute int      `json:"rateLimitPerMinute,omitempty"` // 0 = unlimited
	Burst              int      `json:"burst,omitempty"`
	Failover           []string `json:"failoverChain,omitempty"` // provider failover order
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

// APIConfig describes the backend every action is sent to.
type APIConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	RetryAttempts  int    `json:"retryAttempts"`
	RetryDelayMs   int    `json:"retryDelayMs"`
	Backoff        string `json:"backoff"` // "fixed" | "exponential"
	MaxDelayMs     int    `json:"maxDelayMs,omitempty"`
	Jitter         bool   `json:"jitter,omitempty"`
}

type AgentConfig struct {
	MaxReprompts        int     `json:"maxReprompts"`
	HistoryTurns        int     `json:"historyTurns"`
	MaxContextTokens    int     `json:"maxContextTokens,omitempty"` // 0 = built-in default
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	SystemPromptExtra   string  `json:"systemPromptExtra,omitempty"`
	// NativeTools sends action definitions through the provider's
	// tool-calling API in addition to the prompt.
	NativeTools bool `json:"nativeTools,omitempty"`
}

// CatalogConfig selects the action schemas registered at startup. Path may
// be a YAML file or a directory of them.
type CatalogConfig struct {
	Builtin bool     `json:"builtin"`
	Path    string   `json:"path,omitempty"`
	Allow   []string `json:"allow,omitempty"` // if set, only these actions are registered
	Deny    []string `json:"deny,omitempty"`
}

type StoreConfig struct {
	Driver string      `json:"driver"` // "memory" | "sqlite" | "mysql" | "redis"
	DBPath string      `json:"dbPath,omitempty"`
	DSN    string      `json:"dsn,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix"`
	TTLHours  int    `json:"ttlHours,omitempty"` // 0 = keep forever
}

type AuditConfig struct {
	Enabled bool `json:"enabled"`
	// Redact lists argument names (or regexes) masked in audit records and
	// stored turns. Empty uses the built-in list.
	Redact   []string       `json:"redact,omitempty"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq,omitempty"`
}

// RabbitMQConfig enables publishing audit entries when URL is set.
type RabbitMQConfig struct {
	URL        string `json:"url,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routingKey,omitempty"`
	Queue      string `json:"queue,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

// Timeout is the per-call LLM timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryPolicy retries rate limits and timeouts with exponential backoff.
func (c LLMConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.RetryAttempts,
		InitialDelay: time.Duration(c.RetryDelayMs) * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Backoff:      retry.BackoffExponential,
		Factor:       2,
		Jitter:       true,
	}
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c APIConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.RetryAttempts,
		InitialDelay: time.Duration(c.RetryDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMs) * time.Millisecond,
		Backoff:      retry.Backoff(c.Backoff),
		Factor:       2,
		Jitter:       c.Jitter,
	}
}

// DefaultConfigDir returns the default config directory (~/.actionbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actionbridge"
	}
	return filepath.Join(home, ".actionbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Catalog.Path = ExpandPath(cfg.Catalog.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as indented JSON. The file may hold API keys, so it is
// created owner-readable only.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.LLM.Provider == "" {
		errs = append(errs, "llm.provider is required")
	} else if _, ok := cfg.Providers[cfg.LLM.Provider]; !ok {
		errs = append(errs, fmt.Sprintf("llm.provider references unknown provider: %s", cfg.LLM.Provider))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.maxTokens must be > 0")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}
	if cfg.LLM.RetryAttempts < 1 {
		errs = append(errs, "llm.retryAttempts must be >= 1")
	}
	if cfg.LLM.RateLimitPerMinute < 0 {
		errs = append(errs, "llm.rateLimitPerMinute must be >= 0")
	}
	for _, name := range cfg.LLM.Failover {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("llm.failoverChain references unknown provider: %s", name))
		}
	}

	if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "api.baseUrl must be an absolute URL")
	}
	if cfg.API.TimeoutSeconds < 1 {
		errs = append(errs, "api.timeoutSeconds must be >= 1")
	}
	if cfg.API.RetryAttempts < 1 || cfg.API.RetryAttempts > 10 {
		errs = append(errs, "api.retryAttempts must be between 1 and 10")
	}
	if cfg.API.RetryDelayMs < 0 {
		errs = append(errs, "api.retryDelayMs must be >= 0")
	}
	switch retry.Backoff(cfg.API.Backoff) {
	case retry.BackoffFixed, retry.BackoffExponential:
	default:
		errs = append(errs, "api.backoff must be one of: fixed, exponential")
	}

	if cfg.Agent.MaxReprompts < 0 || cfg.Agent.MaxReprompts > 10 {
		errs = append(errs, "agent.maxReprompts must be between 0 and 10")
	}
	if cfg.Agent.HistoryTurns < 0 {
		errs = append(errs, "agent.historyTurns must be >= 0")
	}
	if cfg.Agent.ConfidenceThreshold < 0 || cfg.Agent.ConfidenceThreshold > 1 {
		errs = append(errs, "agent.confidenceThreshold must be between 0 and 1")
	}

	if !cfg.Catalog.Builtin && cfg.Catalog.Path == "" {
		errs = append(errs, "catalog: enable builtin or set a path")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for sqlite")
		}
	case "mysql":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for mysql")
		}
	case "redis":
		if cfg.Store.Redis.Addr == "" {
			errs = append(errs, "store.redis.addr is required for redis")
		}
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, mysql, redis")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}

	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" && !knownProvider(name) {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required for custom providers", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func knownProvider(name string) bool {
	switch name {
	case "openai", "claude", "anthropic", "gemini", "ollama":
		return true
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
