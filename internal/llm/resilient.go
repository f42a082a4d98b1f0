package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/retry"
)

// Guard bundles the protections applied around every collaborator call:
// each attempt waits for a rate limiter token and runs through the circuit
// breaker; the retry machine decides whether to try again.
type Guard struct {
	Limiter *rate.Limiter
	Breaker *circuitbreaker.CircuitBreaker
	Policy  retry.Policy
	Logger  *zap.Logger
}

func (g Guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	logger := g.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	attempt := func(ctx context.Context) error {
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		var err error
		if g.Breaker != nil {
			err = g.Breaker.Execute(ctx, fn)
		} else {
			err = fn(ctx)
		}
		err = classify(err)
		if err != nil && retry.IsRetryable(err) {
			logger.Debug("Collaborator call failed, will retry if attempts remain",
				zap.String("op", op),
				zap.Error(err),
			)
		}
		return err
	}

	attempts, err := retry.Do(ctx, g.Policy, attempt)
	elapsed := time.Since(start).Seconds()
	if err == nil {
		metrics.RecordCollaboratorCall(op, "success", elapsed)
		return nil
	}

	result := "error"
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		result = "rejected"
	}
	metrics.RecordCollaboratorCall(op, result, elapsed)
	logger.Warn("Collaborator call failed",
		zap.String("op", op),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &CollaboratorError{Op: op, Attempts: attempts, Transient: retry.IsRetryable(err), Err: err}
}

// ResilientGenerator wraps a Generator with a Guard.
type ResilientGenerator struct {
	next  Generator
	guard Guard
}

func NewResilientGenerator(next Generator, guard Guard) *ResilientGenerator {
	return &ResilientGenerator{next: next, guard: guard}
}

// Generate returns a *CollaboratorError once the guard gives up.
func (r *ResilientGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := r.guard.run(ctx, "generate."+req.Purpose, func(ctx context.Context) error {
		out, err := r.next.Generate(ctx, req)
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ResilientSearcher wraps a Searcher with a Guard.
type ResilientSearcher struct {
	next  Searcher
	guard Guard
}

func NewResilientSearcher(next Searcher, guard Guard) *ResilientSearcher {
	return &ResilientSearcher{next: next, guard: guard}
}

// Search returns a *CollaboratorError once the guard gives up.
func (r *ResilientSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var results []SearchResult
	err := r.guard.run(ctx, "search", func(ctx context.Context) error {
		out, err := r.next.Search(ctx, query)
		if err != nil {
			return err
		}
		results = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
