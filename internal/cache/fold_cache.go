// Package cache keeps completed walk-forward folds in Redis so repeated runs
// over the same data and configuration skip re-optimization.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/foldwise/internal/metrics"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

const (
	keyPrefix = "foldwise:fold:"

	// DefaultTTL applies when the configured TTL is zero
	DefaultTTL = 7 * 24 * time.Hour

	opTimeout = 500 * time.Millisecond
)

// Breaker thresholds. An unreachable Redis is skipped for OpenTimeout
// instead of costing every fold a timeout.
const (
	BreakerMinRequests     = 5
	BreakerFailureRatio    = 0.6
	BreakerOpenTimeout     = 30 * time.Second
	BreakerHalfOpenMaxReqs = 1
	BreakerCountInterval   = 10 * time.Second
)

// BreakerSettings configures the circuit breaker in front of Redis
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings returns the package defaults
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     BreakerMinRequests,
		FailureRatio:    BreakerFailureRatio,
		OpenTimeout:     BreakerOpenTimeout,
		HalfOpenMaxReqs: BreakerHalfOpenMaxReqs,
		CountInterval:   BreakerCountInterval,
	}
}

// FoldCache is a backtest.FoldCache backed by Redis. Backend errors are
// reported as misses so a cache outage never fails a run.
type FoldCache struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
}

var _ backtest.FoldCache = (*FoldCache)(nil)

// NewClient creates a Redis client for addr
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewFoldCache wraps client with the default breaker settings.
// If client is nil, returns nil (optional Redis support)
func NewFoldCache(client *redis.Client, ttl time.Duration) *FoldCache {
	return NewFoldCacheWithSettings(client, ttl, DefaultBreakerSettings())
}

// NewFoldCacheWithSettings wraps client with a breaker configured by s
func NewFoldCacheWithSettings(client *redis.Client, ttl time.Duration, s BreakerSettings) *FoldCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fold_cache",
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Fold cache circuit breaker state changed")
			metrics.SetCacheBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	metrics.SetCacheBreakerOpen(false)

	return &FoldCache{client: client, breaker: breaker, ttl: ttl}
}

// Get returns the cached fold for key
func (c *FoldCache) Get(ctx context.Context, key string) (*backtest.FoldResult, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// redis.Nil is a miss, not a failure, so it must not count toward tripping
	out, err := c.breaker.Execute(func() (interface{}, error) {
		data, err := c.client.Get(cacheCtx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Fold cache get error - treating as miss")
		metrics.RecordCacheOperation("get", metrics.CacheError)
		return nil, false
	}

	data, _ := out.([]byte)
	if data == nil {
		metrics.RecordCacheOperation("get", metrics.CacheMiss)
		return nil, false
	}

	var result backtest.FoldResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached fold")
		metrics.RecordCacheOperation("get", metrics.CacheError)
		return nil, false
	}

	metrics.RecordCacheOperation("get", metrics.CacheHit)
	return &result, true
}

// Put stores a completed fold. Only DONE folds are worth caching.
func (c *FoldCache) Put(ctx context.Context, key string, result *backtest.FoldResult) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}
	if result == nil || result.State != backtest.FoldDone {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal fold result: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(cacheCtx, keyPrefix+key, data, c.ttl).Err()
	})
	if err != nil {
		metrics.RecordCacheOperation("put", metrics.CacheError)
		return fmt.Errorf("failed to cache fold %s: %w", key, err)
	}

	metrics.RecordCacheOperation("put", metrics.CacheStored)
	log.Debug().Str("key", key).Dur("ttl", c.ttl).Msg("Cached fold")
	return nil
}

// Clear removes every cached fold and returns how many keys were deleted
func (c *FoldCache) Clear(ctx context.Context) (int, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := c.client.Scan(cacheCtx, 0, keyPrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(cacheCtx) {
		if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
			log.Warn().Err(err).Str("key", iter.Val()).Msg("Failed to delete cache key")
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("cache scan error: %w", err)
	}

	log.Info().Int("keys_deleted", count).Msg("Cleared fold cache")
	return count, nil
}

// Health checks if the Redis connection is healthy
func (c *FoldCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// BreakerState reports the breaker state
func (c *FoldCache) BreakerState() gobreaker.State {
	return c.breaker.State()
}
