package ratecontrol

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	RateLimits struct {
		DefaultRPM        int                  `yaml:"default_rpm"`
		DefaultTPM        int                  `yaml:"default_tpm"`
		ProviderOverrides map[string]RateLimit `yaml:"provider_overrides"`
		ModelOverrides    map[string]RateLimit `yaml:"model_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests/tokens per minute budget. Zero means unlimited.
type RateLimit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

var builtInProviderLimits = map[string]RateLimit{
	"google":  {RPM: 40, TPM: 80000},
	"gemini":  {RPM: 40, TPM: 80000},
	"unknown": {RPM: 45, TPM: 90000},
}

// Table resolves limits for providers and models.
type Table struct {
	defaults  RateLimit
	providers map[string]RateLimit
	models    map[string]RateLimit
}

// NewTable returns a table backed only by the built-in provider limits.
func NewTable() *Table {
	return &Table{providers: map[string]RateLimit{}, models: map[string]RateLimit{}}
}

// Load reads a models.yaml style file. An empty path or a missing file
// yields the built-in table.
func Load(path string, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := NewTable()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("No rate limit file, using built-in limits", zap.String("path", path))
			return t, nil
		}
		return nil, fmt.Errorf("read rate limits %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	t.defaults = RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	for k, v := range cfg.RateLimits.ProviderOverrides {
		t.providers[key(k)] = v
	}
	for k, v := range cfg.RateLimits.ModelOverrides {
		t.models[key(k)] = v
	}
	logger.Info("Loaded rate limit configuration",
		zap.String("path", path),
		zap.Int("providers", len(t.providers)),
		zap.Int("models", len(t.models)),
	)
	return t, nil
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// LimitForProvider returns the file override, the built-in limit, or the
// file default, in that order.
func (t *Table) LimitForProvider(provider string) RateLimit {
	if l, ok := t.providers[key(provider)]; ok {
		return l
	}
	if l, ok := builtInProviderLimits[key(provider)]; ok {
		return l
	}
	return t.defaults
}

// LimitFor combines the provider limit with an optional per-model one,
// keeping the stricter value of each field.
func (t *Table) LimitFor(provider, model string) RateLimit {
	l := t.LimitForProvider(provider)
	if m, ok := t.models[key(model)]; ok {
		l = CombineLimits(l, m)
	}
	return l
}

// Limiter builds a token bucket for the provider. rpmOverride > 0 replaces
// the table RPM. Unlimited budgets return a limiter that never blocks.
func (t *Table) Limiter(provider string, rpmOverride int) *rate.Limiter {
	l := t.LimitForProvider(provider)
	if rpmOverride > 0 {
		l.RPM = rpmOverride
	}
	interval := Interval(l, 0)
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// CombineLimits keeps the stricter positive value of each field.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	return limit
}

// Interval is the minimum spacing between requests of estimatedTokens under
// limit, capped at one minute.
func Interval(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
