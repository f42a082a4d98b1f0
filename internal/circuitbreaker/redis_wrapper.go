package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a circuit breaker. redis.Nil is
// a cache miss and never counts as a failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

// NewRedisWrapper creates a wrapper whose breaker is registered for metrics
// under name.
func NewRedisWrapper(name string, client *redis.Client, config Config, logger *zap.Logger) *RedisWrapper {
	config.IsFailure = func(err error) bool {
		return defaultIsFailure(err) && !errors.Is(err, redis.Nil)
	}
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.Register(cb)
	return &RedisWrapper{client: client, cb: cb}
}

// Ping checks connectivity.
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.cb.Execute(ctx, func(ctx context.Context) error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the raw value for key, or redis.Nil on a miss.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.cb.Execute(ctx, func(ctx context.Context) error {
		b, err := rw.client.Get(ctx, key).Bytes()
		out = b
		return err
	})
	return out, err
}

// Set stores value with a TTL; zero keeps it forever.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rw.cb.Execute(ctx, func(ctx context.Context) error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}

// Breaker returns the wrapper's circuit breaker.
func (rw *RedisWrapper) Breaker() *CircuitBreaker { return rw.cb }
