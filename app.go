package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/config"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/dedup"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/embeddings"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/engine"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/health"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/ratecontrol"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/store"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
)

const (
	providerGemini   = "gemini"
	streamBufferSize = 512
	healthTimeout    = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// app holds everything a command needs and the resources to release.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	engine *engine.Engine
	acts   *activities.Activities

	closers []func(context.Context) error
}

// newApp loads configuration and wires the collaborators, the engine and
// the optional admin server.
func newApp(ctx context.Context, configPath, adminAddr string) (*app, error) {
	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, nil)
		if err != nil {
			return nil, err
		}
		cfg = watcher.Current()
	} else if cfg, err = config.Load(""); err != nil {
		return nil, err
	}
	if adminAddr == "" {
		adminAddr = cfg.Admin.Addr
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	logger, err := newLogger(cfg.Logging, level)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, level: level}
	a.closers = append(a.closers, func(context.Context) error { _ = logger.Sync(); return nil })

	if err := a.wire(ctx, watcher, adminAddr); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newLogger(c config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func (a *app) wire(ctx context.Context, watcher *config.Watcher, adminAddr string) error {
	cfg, logger := a.cfg, a.logger

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdownTracing)

	gen, search, breaker, err := a.collaborators(ctx)
	if err != nil {
		return err
	}
	a.acts = activities.NewActivities(gen, search, logger)

	checks := []health.Checker{health.NewBreakerChecker(breaker)}

	sim, cache, err := a.similarity(ctx, gen)
	if err != nil {
		return err
	}
	if cache != nil {
		checks = append(checks,
			health.NewPingChecker("embedding-cache", cache, false),
			health.NewBreakerChecker(cache.Breaker()),
		)
	}

	streams := streaming.NewManager(streamBufferSize, logger)
	opts := []engine.Option{engine.WithSimilarity(sim), engine.WithStreams(streams)}

	var sessions httpapi.SessionReader
	if cfg.Store.Driver != "" {
		st, err := store.Open(ctx, cfg.Store, logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
		opts = append(opts, engine.WithStore(st))
		sessions = st
		checks = append(checks, health.NewPingChecker("store", st, true))
	}

	a.engine = engine.New(gen, search, engine.Config{
		SessionTimeout:    cfg.Session.Timeout,
		ReportMaxAttempts: cfg.Report.MaxAttempts,
		DedupThreshold:    cfg.Dedup.Threshold,
		Synthesis:         cfg.Report.Synthesis(),
	}, logger, opts...)

	if watcher != nil {
		watcher.OnChange(a.applyReload)
		watcher.Start()
	}

	if adminAddr == "" {
		return nil
	}
	hm := health.NewManager(healthTimeout, logger)
	for _, c := range checks {
		if err := hm.Register(c); err != nil {
			return err
		}
	}
	a.serveAdmin(adminAddr, httpapi.NewAdminMux(httpapi.AdminOptions{
		Streams:  streams,
		Sessions: sessions,
		Health:   hm,
		Metrics:  cfg.Metrics.Enabled,
	}, logger))
	return nil
}

// collaborators builds the Gemini client behind the rate limiter, circuit
// breaker and retry policy.
func (a *app) collaborators(ctx context.Context) (llm.Generator, llm.Searcher, *circuitbreaker.CircuitBreaker, error) {
	cfg, logger := a.cfg, a.logger

	client, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
		APIKey:   cfg.LLM.APIKey,
		Models:   cfg.LLM.Models,
		Timeout:  cfg.LLM.Timeout,
		Cooldown: cfg.LLM.Cooldown,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create gemini client: %w", err)
	}

	limits := ratecontrol.NewTable()
	if cfg.RateLimit.ModelsFile != "" {
		if limits, err = ratecontrol.Load(cfg.RateLimit.ModelsFile, logger); err != nil {
			return nil, nil, nil, err
		}
	}

	breaker := circuitbreaker.NewCircuitBreaker(providerGemini, cfg.Breaker.ToConfig(), logger)
	circuitbreaker.GlobalMetricsCollector.Register(breaker)

	guard := llm.Guard{
		Limiter: limits.Limiter(providerGemini, cfg.RateLimit.RPM),
		Breaker: breaker,
		Policy:  cfg.Retry.Policy(),
		Logger:  logger,
	}
	return llm.NewResilientGenerator(client, guard), llm.NewResilientSearcher(client, guard), breaker, nil
}

// similarity builds the dedup method. The embedding method caches vectors in
// Redis when an address is configured and in process otherwise.
func (a *app) similarity(ctx context.Context, gen llm.Generator) (dedup.Similarity, *embeddings.RedisCache, error) {
	cfg, logger := a.cfg, a.logger
	if cfg.Dedup.Method != dedup.MethodEmbedding {
		sim, err := dedup.ByName(cfg.Dedup.Method, gen, nil)
		return sim, nil, err
	}

	embedder, err := embeddings.NewGenAIEmbedder(ctx, cfg.LLM.APIKey, cfg.Embeddings.Model)
	if err != nil {
		return nil, nil, err
	}

	var (
		cache      embeddings.EmbeddingCache = embeddings.NewLocalLRU(cfg.Embeddings.MaxLRU)
		redisCache *embeddings.RedisCache
	)
	if cfg.Embeddings.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Embeddings.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		rc, err := embeddings.NewRedisCache(ctx, client, logger)
		if err != nil {
			logger.Warn("Redis embedding cache unavailable, using in-process cache",
				zap.String("addr", cfg.Embeddings.RedisAddr),
				zap.Error(err),
			)
		} else {
			cache, redisCache = rc, rc
		}
	}

	svc := embeddings.NewService(embeddings.Config{
		Model:    cfg.Embeddings.Model,
		CacheTTL: cfg.Embeddings.CacheTTL,
		MaxLRU:   cfg.Embeddings.MaxLRU,
	}, embedder, cache, logger)
	sim, err := dedup.ByName(dedup.MethodEmbedding, gen, svc)
	return sim, redisCache, err
}

// applyReload pushes hot-reloadable settings to the running process.
func (a *app) applyReload(old, cur *config.Config) {
	if cur.Logging.Level != old.Logging.Level {
		if err := a.level.UnmarshalText([]byte(cur.Logging.Level)); err != nil {
			a.logger.Warn("Ignoring invalid log level", zap.String("level", cur.Logging.Level), zap.Error(err))
		}
	}
	if cur.Dedup.Threshold != old.Dedup.Threshold {
		a.engine.SetDedupThreshold(cur.Dedup.Threshold)
	}
}

func (a *app) serveAdmin(addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("Admin server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}
}
