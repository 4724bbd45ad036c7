package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/logging"
	"github.com/example/emotune/internal/repository"
)

// Cache abstracts the Redis operations used by the use cases to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// NoopCache is used when Redis is unreachable at startup. Every Get misses.
type NoopCache struct{}

func (NoopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (NoopCache) Get(context.Context, string) (string, error) { return "", redis.Nil }

// retryingCache wraps a Cache with bounded retries on transient errors.
type retryingCache struct {
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newRetryingCache(cache Cache, logger *zap.Logger) *retryingCache {
	if cache == nil {
		cache = NoopCache{}
	}
	return &retryingCache{
		cache:          cache,
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (rc *retryingCache) set(ctx context.Context, requestID, operation, key string, value interface{}, ttl time.Duration) error {
	return rc.withRetry(ctx, requestID, operation, func() error {
		return rc.cache.Set(ctx, key, value, ttl)
	})
}

// get returns redis.Nil (wrapped) on a miss.
func (rc *retryingCache) get(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := rc.withRetry(ctx, requestID, operation, func() error {
		value, err := rc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (rc *retryingCache) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if rc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := rc.initialBackoff
	opLogger := logging.WithOperation(rc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < rc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= rc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !repository.IsTransientError(err) || attempt == rc.retryAttempts-1 {
			opLogger.Warn("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
