package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full runtime configuration. It is assembled in three
// layers: built-in defaults, environment variables, then functional options.
// An optional YAML profile (ANVIL_CONFIG) is applied between env and options.
type Config struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"` // dev or prod

	HTTP       HTTPConfig       `yaml:"http"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Store      StoreConfig      `yaml:"store"`
	Consent    ConsentConfig    `yaml:"consent"`
	Executor   ExecutorConfig   `yaml:"executor"`
	LLM        LLMConfig        `yaml:"llm"`
	Cache      CacheConfig      `yaml:"cache"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Reflection ReflectionConfig `yaml:"reflection"`

	logger Logger
}

// HTTPConfig configures the API server and its middleware.
type HTTPConfig struct {
	Port                  int           `yaml:"port"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`
	RateLimitGlobalPerMin int           `yaml:"rate_limit_global_per_min"`
	RateLimitChatPerMin   int           `yaml:"rate_limit_chat_per_min"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

// SandboxConfig configures filesystem confinement.
type SandboxConfig struct {
	Root string `yaml:"root"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// ConsentConfig configures consent enforcement.
type ConsentConfig struct {
	// Require makes every side-effecting tool demand a token.
	Require bool `yaml:"require"`
	// Auto lets the executor inject a wildcard token when no token was
	// supplied. Dev convenience only.
	Auto bool `yaml:"auto"`
}

// ExecutorConfig configures plan execution.
type ExecutorConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// LLMConfig configures the model router.
type LLMConfig struct {
	Backend          string        `yaml:"backend"` // ollama, llamacpp
	OllamaBaseURL    string        `yaml:"ollama_base_url"`
	LlamaCppURL      string        `yaml:"llamacpp_url"`
	DefaultModel     string        `yaml:"default_model"`
	ModelAllowlist   []string      `yaml:"model_allowlist"`
	DailyTokenBudget int64         `yaml:"daily_token_budget"`
	DailyUSDBudget   float64       `yaml:"daily_usd_budget"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
}

// CacheConfig selects the shared cache backend used for LLM responses and
// daily budget counters.
type CacheConfig struct {
	Backend  string `yaml:"backend"` // sqlite or redis
	RedisURL string `yaml:"redis_url"`
}

// TelemetryConfig configures trace/metric export.
type TelemetryConfig struct {
	Exporter string `yaml:"exporter"` // otlp, stdout, none
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout or stderr
}

// ReflectionConfig bounds the failure-revision loop.
type ReflectionConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// Option configures a Config.
type Option func(*Config) error

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "anvil",
		Env:  "dev",
		HTTP: HTTPConfig{
			Port:                  8000,
			AllowedOrigins:        []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			MaxBodyBytes:          5_000_000,
			RateLimitGlobalPerMin: 120,
			RateLimitChatPerMin:   30,
			RequestTimeout:        30 * time.Second,
		},
		Sandbox: SandboxConfig{Root: ".sandbox"},
		Store:   StoreConfig{DBPath: ".data/anvil.db"},
		Consent: ConsentConfig{Require: true, Auto: false},
		Executor: ExecutorConfig{
			Concurrency: 2,
		},
		LLM: LLMConfig{
			Backend:          "ollama",
			OllamaBaseURL:    "http://localhost:11434",
			LlamaCppURL:      "http://127.0.0.1:8080",
			DefaultModel:     "llama3:8b",
			CacheTTL:         30 * time.Minute,
			RequestTimeout:   120 * time.Second,
			ConnectTimeout:   10 * time.Second,
			DailyTokenBudget: 0,
			DailyUSDBudget:   0,
		},
		Cache:      CacheConfig{Backend: "sqlite"},
		Telemetry:  TelemetryConfig{Exporter: "none", Endpoint: "localhost:4317"},
		Logging:    LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Reflection: ReflectionConfig{MaxIterations: 2},
	}
}

// LoadFromEnv overlays recognized environment variables onto the config.
func (c *Config) LoadFromEnv() error {
	c.Name = getEnvString("ANVIL_NAME", c.Name)
	c.Env = getEnvString("ENV", c.Env)

	c.HTTP.Port = getEnvInt("HTTP_PORT", c.HTTP.Port)
	if origins := ParseScopes(os.Getenv("ALLOWED_ORIGINS")); len(origins) > 0 {
		c.HTTP.AllowedOrigins = origins
	}
	c.HTTP.MaxBodyBytes = getEnvInt64("MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
	c.HTTP.RateLimitGlobalPerMin = getEnvInt("RATE_LIMIT_GLOBAL_PER_MIN", c.HTTP.RateLimitGlobalPerMin)
	c.HTTP.RateLimitChatPerMin = getEnvInt("RATE_LIMIT_CHAT_PER_MIN", c.HTTP.RateLimitChatPerMin)
	c.HTTP.RequestTimeout = getEnvSeconds("REQUEST_TIMEOUT_SEC", c.HTTP.RequestTimeout)

	c.Sandbox.Root = getEnvString("SANDBOX_ROOT", c.Sandbox.Root)
	c.Store.DBPath = getEnvString("DB_PATH", c.Store.DBPath)

	if v := os.Getenv("REQUIRE_CONSENT"); v != "" {
		c.Consent.Require = isTruthy(v)
	}
	if v := os.Getenv("AUTO_CONSENT"); v != "" {
		c.Consent.Auto = isTruthy(v)
	}

	c.Executor.Concurrency = getEnvInt("EXEC_CONCURRENCY", c.Executor.Concurrency)

	c.LLM.Backend = getEnvString("LLM_BACKEND", c.LLM.Backend)
	c.LLM.OllamaBaseURL = getEnvString("OLLAMA_BASE_URL", c.LLM.OllamaBaseURL)
	c.LLM.LlamaCppURL = getEnvString("LLAMA_CPP_URL", c.LLM.LlamaCppURL)
	c.LLM.DefaultModel = getEnvString("LLM_DEFAULT_MODEL", c.LLM.DefaultModel)
	if models := ParseScopes(os.Getenv("MODEL_ALLOWLIST")); len(models) > 0 {
		c.LLM.ModelAllowlist = models
	}
	c.LLM.DailyTokenBudget = getEnvInt64("DAILY_TOKEN_BUDGET", c.LLM.DailyTokenBudget)
	c.LLM.DailyUSDBudget = getEnvFloat("DAILY_USD_BUDGET", c.LLM.DailyUSDBudget)
	c.LLM.CacheTTL = getEnvMillis("LLM_CACHE_TTL_MS", c.LLM.CacheTTL)
	c.LLM.RequestTimeout = getEnvSeconds("LLM_REQUEST_TIMEOUT_SEC", c.LLM.RequestTimeout)
	c.LLM.ConnectTimeout = getEnvSeconds("LLM_CONNECT_TIMEOUT_SEC", c.LLM.ConnectTimeout)

	c.Cache.Backend = getEnvString("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisURL = getEnvString("REDIS_URL", c.Cache.RedisURL)

	c.Telemetry.Exporter = getEnvString("OTEL_EXPORTER", c.Telemetry.Exporter)
	c.Telemetry.Endpoint = getEnvString("OTEL_ENDPOINT", c.Telemetry.Endpoint)

	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnvString("LOG_OUTPUT", c.Logging.Output)

	c.Reflection.MaxIterations = getEnvInt("REFLECT_MAX_ITERATIONS", c.Reflection.MaxIterations)

	return nil
}

// LoadProfile overlays a YAML profile file when ANVIL_CONFIG points at one.
// A missing file is not an error; a malformed one is.
func (c *Config) LoadProfile() error {
	path := os.Getenv("ANVIL_CONFIG")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config profile %s: %w", path, err)
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	if c.Executor.Concurrency < 1 {
		return fmt.Errorf("executor concurrency must be >= 1, got %d", c.Executor.Concurrency)
	}
	if c.Sandbox.Root == "" {
		return fmt.Errorf("sandbox root is required")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	switch c.Cache.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Telemetry.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown telemetry exporter %q", c.Telemetry.Exporter)
	}
	if c.Reflection.MaxIterations < 0 {
		return fmt.Errorf("reflection max iterations cannot be negative")
	}
	return nil
}

// Logger returns the configured logger, defaulting to a ProductionLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Name)
	}
	return c.logger
}

// Redacted returns the configuration as a map safe to expose over the API.
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"name":             c.Name,
		"env":              c.Env,
		"http_port":        c.HTTP.Port,
		"sandbox_root":     c.Sandbox.Root,
		"db_path":          c.Store.DBPath,
		"require_consent":  c.Consent.Require,
		"auto_consent":     c.Consent.Auto,
		"exec_concurrency": c.Executor.Concurrency,
		"llm_backend":      c.LLM.Backend,
		"model_allowlist":  c.LLM.ModelAllowlist,
		"cache_backend":    c.Cache.Backend,
		"otel_exporter":    c.Telemetry.Exporter,
	}
}

// NewConfig builds a configuration: defaults, then environment, then YAML
// profile, then functional options, then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}
	if err := cfg.LoadProfile(); err != nil {
		return nil, fmt.Errorf("failed to load config profile: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithSandboxRoot sets the sandbox root directory.
func WithSandboxRoot(root string) Option {
	return func(c *Config) error {
		c.Sandbox.Root = root
		return nil
	}
}

// WithDBPath sets the durable store location.
func WithDBPath(path string) Option {
	return func(c *Config) error {
		c.Store.DBPath = path
		return nil
	}
}

// WithConcurrency sets the scheduler parallelism.
func WithConcurrency(n int) Option {
	return func(c *Config) error {
		c.Executor.Concurrency = n
		return nil
	}
}

// WithConsent sets consent enforcement flags.
func WithConsent(require, auto bool) Option {
	return func(c *Config) error {
		c.Consent.Require = require
		c.Consent.Auto = auto
		return nil
	}
}

// WithModelAllowlist sets the LLM model allow-list.
func WithModelAllowlist(models ...string) Option {
	return func(c *Config) error {
		c.LLM.ModelAllowlist = models
		return nil
	}
}

// env parsing helpers

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
