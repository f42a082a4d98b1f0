package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tracing"
)

// ErrDimensionMismatch is returned when vectors cannot be compared.
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Service provides embeddings with a two-tier cache: an in-process LRU in
// front of an optional shared cache.
type Service struct {
	cfg      Config
	embedder Embedder
	cache    EmbeddingCache
	lru      *LocalLRU
	logger   *zap.Logger
}

// NewService wires an embedder with caching. cache may be nil.
func NewService(cfg Config, embedder Embedder, cache EmbeddingCache, logger *zap.Logger) *Service {
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, embedder: embedder, cache: cache, lru: NewLocalLRU(cfg.MaxLRU), logger: logger}
}

// Embed returns one vector per text, serving what it can from cache and
// fetching the rest in a single batch.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil || s.embedder == nil {
		return nil, errors.New("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	m := s.cfg.Model
	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, s.cfg.CacheTTL)
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		metrics.EmbeddingCacheMisses.Inc()
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	ctx, span := tracing.StartSpan(ctx, "embeddings.batch",
		attribute.String("model", m),
		attribute.Int("texts", len(missing)),
	)
	start := time.Now()
	vecs, err := s.embedder.Embed(ctx, missing)
	if err == nil && len(vecs) != len(missing) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	tracing.End(span, err)
	if err != nil {
		metrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())

	for i, v := range vecs {
		results[missingIdx[i]] = v
		key := MakeKey(m, missing[i])
		s.lru.Set(ctx, key, v, s.cfg.CacheTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

// Cosine returns the cosine similarity of a and b. Zero vectors have
// similarity 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
