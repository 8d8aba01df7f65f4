// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis is optional — set STORE_MODE=memory to use the built-in in-process
// store with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	Gemini    ProviderConfig
	OpenAI    ProviderConfig
	Anthropic ProviderConfig

	// Store selects the durable backend shared by the cache, the admission
	// windows and the deferred queue.
	Store StoreConfig

	// Cache controls response caching.
	Cache CacheConfig

	// Breaker controls per-provider circuit breaker thresholds.
	Breaker BreakerConfig

	// Admission controls the per-provider call-budget windows.
	Admission AdmissionConfig

	// Queue controls the deferred-work queue.
	Queue QueueConfig

	// Retry controls the in-call retry schedule.
	Retry RetryConfig

	// Connectivity controls the background reachability probe.
	Connectivity ConnectivityConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single analysis provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// StoreConfig selects and configures the durable key-value backend.
type StoreConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed store (requires REDIS_URL). Survives restarts
	//              and is shared across replicas. Recommended for production.
	//   "memory" — In-process store. No external deps; state is lost on exit.
	// Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// TTL is the default time-to-live for cached responses when a request
	// does not carry its own. Default: 1h.
	TTL time.Duration
}

// BreakerConfig controls per-provider circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive probe successes that
	// close a half-open breaker. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before allowing
	// probe requests. Default: 60s.
	ResetTimeout time.Duration
}

// AdmissionConfig controls the per-provider call budgets.
type AdmissionConfig struct {
	// PerMinute is the maximum calls per provider per minute.
	// 0 disables the minute window. Default: 0.
	PerMinute int

	// PerDay is the maximum calls per provider per 24h.
	// 0 disables the day window. Default: 0.
	PerDay int

	// WaitCeiling bounds how long an interactive request may be held at the
	// admission gate before being queued instead. Default: 2s.
	WaitCeiling time.Duration
}

// QueueConfig controls the deferred-work queue.
type QueueConfig struct {
	// MaxItems bounds the per-provider queue length; the oldest item is
	// evicted to the dead-letter list when a new one arrives at capacity.
	// Default: 100.
	MaxItems int

	// MaxAttempts is the replay budget per queued item. Default: 3.
	MaxAttempts int
}

// RetryConfig controls the in-call retry schedule for transient failures.
type RetryConfig struct {
	// Base is the first backoff delay. Default: 2s.
	Base time.Duration

	// Factor multiplies the delay after each attempt. Default: 2.
	Factor int

	// MaxRetries is the maximum number of retries after the first attempt.
	// Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-attempt upstream timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// ConnectivityConfig controls the background reachability probe.
type ConnectivityConfig struct {
	// ProbeInterval is the time between reachability probes. Default: 30s.
	ProbeInterval time.Duration

	// ProbeTimeout is the per-probe timeout. Default: 5s.
	ProbeTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when STORE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_SUCCESS_THRESHOLD", 2)
	v.SetDefault("CB_RESET_TIMEOUT", "60s")

	// Admission: 0 = window disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("RPD_LIMIT", 0)
	v.SetDefault("ADMISSION_WAIT_CEILING", "2s")

	// Queue defaults.
	v.SetDefault("QUEUE_MAX_ITEMS", 100)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)

	// Retry defaults.
	v.SetDefault("RETRY_BASE", "2s")
	v.SetDefault("RETRY_FACTOR", 2)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Connectivity probe defaults.
	v.SetDefault("CONNECTIVITY_PROBE_INTERVAL", "30s")
	v.SetDefault("CONNECTIVITY_PROBE_TIMEOUT", "5s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		Cache: CacheConfig{
			TTL: v.GetDuration("CACHE_TTL"),
		},

		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			ResetTimeout:     v.GetDuration("CB_RESET_TIMEOUT"),
		},

		Admission: AdmissionConfig{
			PerMinute:   v.GetInt("RPM_LIMIT"),
			PerDay:      v.GetInt("RPD_LIMIT"),
			WaitCeiling: v.GetDuration("ADMISSION_WAIT_CEILING"),
		},

		Queue: QueueConfig{
			MaxItems:    v.GetInt("QUEUE_MAX_ITEMS"),
			MaxAttempts: v.GetInt("QUEUE_MAX_ATTEMPTS"),
		},

		Retry: RetryConfig{
			Base:            v.GetDuration("RETRY_BASE"),
			Factor:          v.GetInt("RETRY_FACTOR"),
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Connectivity: ConnectivityConfig{
			ProbeInterval: v.GetDuration("CONNECTIVITY_PROBE_INTERVAL"),
			ProbeTimeout:  v.GetDuration("CONNECTIVITY_PROBE_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(GOOGLE_API_KEY, OPENAI_API_KEY, or ANTHROPIC_API_KEY)",
		)
	}

	switch c.Store.Mode {
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STORE_MODE=redis; " +
					"set STORE_MODE=memory to use the built-in in-process store",
			)
		}
	case "memory":
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be ≥ 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}

	if c.Admission.PerMinute < 0 || c.Admission.PerDay < 0 {
		return fmt.Errorf("config: RPM_LIMIT and RPD_LIMIT must be ≥ 0")
	}

	if c.Queue.MaxItems < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ITEMS must be ≥ 1, got %d", c.Queue.MaxItems)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be ≥ 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("config: RETRY_FACTOR must be ≥ 1, got %d", c.Retry.Factor)
	}
	if c.Retry.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.Gemini.APIKey != "" ||
		c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
