package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "deepresearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_KEY", "from-gemini-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "from-gemini-key", cfg.LLM.APIKey)
	assert.Equal(t, []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}, cfg.LLM.Models)
	assert.Equal(t, 120*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "lexical", cfg.Dedup.Method)
	assert.Zero(t, cfg.Dedup.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 3000, cfg.Report.MinWords)
	assert.Equal(t, 2, cfg.Report.MaxAttempts)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "deepresearch.db", cfg.Store.DSN)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Tracing.OTLPEndpoint)

	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)
	assert.Equal(t, 3000, cfg.Report.Synthesis().MinWords)
	assert.Equal(t, uint32(5), cfg.Breaker.ToConfig().FailureThreshold)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
llm:
  api_key: file-key
  models: [gemini-2.0-flash]
dedup:
  method: embedding
  threshold: 0.9
session:
  timeout: 5m
logging:
  level: debug
  format: console
`)
	t.Setenv("GEMINI_KEY", "ignored")
	t.Setenv("DEEPRESEARCH_REPORT_MIN_WORDS", "1500")
	t.Setenv("DEEPRESEARCH_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.LLM.APIKey, "GEMINI_KEY is only a fallback")
	assert.Equal(t, []string{"gemini-2.0-flash"}, cfg.LLM.Models)
	assert.Equal(t, "embedding", cfg.Dedup.Method)
	assert.Equal(t, 0.9, cfg.Dedup.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 1500, cfg.Report.MinWords)
	assert.Equal(t, "warn", cfg.Logging.Level, "environment wins over the file")
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
llm:
  provider: openai
dedup:
  method: fuzzy
store:
  driver: mysql
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, `llm.provider "openai"`)
	assert.ErrorContains(t, err, `dedup.method "fuzzy"`)
	assert.ErrorContains(t, err, `store.driver "mysql"`)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestWatcherReload(t *testing.T) {
	path := writeFile(t, t.TempDir(), "logging:\n  level: info\ndedup:\n  threshold: 0.8\n")
	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "info", w.Current().Logging.Level)

	var seen [][2]string
	w.OnChange(func(old, cur *Config) {
		seen = append(seen, [2]string{old.Logging.Level, cur.Logging.Level})
	})

	writeFile(t, filepath.Dir(path), "logging:\n  level: debug\ndedup:\n  threshold: 0.7\n")
	require.NoError(t, w.reload())
	assert.Equal(t, "debug", w.Current().Logging.Level)
	assert.Equal(t, 0.7, w.Current().Dedup.Threshold)
	assert.Equal(t, [][2]string{{"info", "debug"}}, seen)

	writeFile(t, filepath.Dir(path), "logging:\n  format: xml\n")
	assert.Error(t, w.reload())
	assert.Equal(t, "debug", w.Current().Logging.Level, "invalid reloads keep the previous config")
	assert.Len(t, seen, 1)

	_, err = NewWatcher("", nil)
	assert.Error(t, err)
}
