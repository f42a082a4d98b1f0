// Package config loads deepresearch settings from an optional YAML file,
// DEEPRESEARCH_* environment variables and defaults, and reloads the file
// when it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/retry"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/store"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/synthesis"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
)

// EnvPrefix prefixes environment overrides: llm.api_key is read from
// DEEPRESEARCH_LLM_API_KEY.
const EnvPrefix = "DEEPRESEARCH"

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	Models   []string      `mapstructure:"models"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Policy returns the collaborator retry policy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = r.MaxAttempts
	p.InitialBackoff = r.InitialBackoff
	p.MaxBackoff = r.MaxBackoff
	return p
}

type RateLimitConfig struct {
	// RPM overrides the provider limit when positive.
	RPM int `mapstructure:"rpm"`
	// ModelsFile is an optional models.yaml with provider rate limits.
	ModelsFile string `mapstructure:"models_file"`
}

type DedupConfig struct {
	Method string `mapstructure:"method"`
	// Threshold <= 0 selects the method default.
	Threshold float64 `mapstructure:"threshold"`
}

type EmbeddingsConfig struct {
	Model     string        `mapstructure:"model"`
	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	MaxLRU    int           `mapstructure:"max_lru"`
}

type SessionConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReportConfig struct {
	MinWords        int     `mapstructure:"min_words"`
	MaxAttempts     int     `mapstructure:"max_attempts"`
	MaxContextChars int     `mapstructure:"max_context_chars"`
	Temperature     float32 `mapstructure:"temperature"`
}

// Synthesis returns the synthesizer settings.
func (r ReportConfig) Synthesis() synthesis.Config {
	return synthesis.Config{MinWords: r.MinWords, MaxContextChars: r.MaxContextChars, Temperature: r.Temperature}
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AdminConfig struct {
	// Addr is the listen address of the admin HTTP server; empty disables it.
	Addr string `mapstructure:"addr"`
}

// Config is the full deepresearch configuration.
type Config struct {
	LLM        LLMConfig               `mapstructure:"llm"`
	Retry      RetryConfig             `mapstructure:"retry"`
	RateLimit  RateLimitConfig         `mapstructure:"ratelimit"`
	Breaker    circuitbreaker.Settings `mapstructure:"breaker"`
	Dedup      DedupConfig             `mapstructure:"dedup"`
	Embeddings EmbeddingsConfig        `mapstructure:"embeddings"`
	Session    SessionConfig           `mapstructure:"session"`
	Report     ReportConfig            `mapstructure:"report"`
	Store      store.Config            `mapstructure:"store"`
	Logging    LoggingConfig           `mapstructure:"logging"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
	Admin      AdminConfig             `mapstructure:"admin"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.models", []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"})
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.cooldown", 60*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)

	v.SetDefault("ratelimit.rpm", 0)
	v.SetDefault("ratelimit.models_file", "")

	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", 60*time.Second)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("dedup.method", "lexical")
	v.SetDefault("dedup.threshold", 0.0)

	v.SetDefault("embeddings.model", "gemini-embedding-001")
	v.SetDefault("embeddings.redis_addr", "")
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("session.timeout", 30*time.Minute)

	v.SetDefault("report.min_words", synthesis.DefaultMinWords)
	v.SetDefault("report.max_attempts", 2)
	v.SetDefault("report.max_context_chars", 60000)
	v.SetDefault("report.temperature", 0.9)

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "deepresearch.db")
	v.SetDefault("store.max_connections", 10)
	v.SetDefault("store.idle_connections", 2)
	v.SetDefault("store.max_lifetime", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "deepresearch")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("admin.addr", "")
}

// newViper prepares a viper instance with defaults and env overrides and
// reads path when it is not empty.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("GEMINI_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Provider != "gemini" {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if len(c.LLM.Models) == 0 {
		errs = append(errs, errors.New("llm.models must not be empty"))
	}
	switch c.Dedup.Method {
	case "lexical", "embedding", "llm":
	default:
		errs = append(errs, fmt.Errorf("dedup.method %q is unknown", c.Dedup.Method))
	}
	if c.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold %v is above 1", c.Dedup.Threshold))
	}
	switch c.Store.Driver {
	case "", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is unknown", c.Store.Driver))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is unknown", c.Logging.Format))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Report.MaxAttempts < 1 {
		errs = append(errs, errors.New("report.max_attempts must be at least 1"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	return errors.Join(errs...)
}
