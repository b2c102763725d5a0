package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long device lists and statistics are reused.
const DefaultCacheTTL = time.Minute

// ErrCacheMiss is returned by a ResultCache when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// ResultCache stores JSON-encoded query results.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Name() string
}

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// InMemoryCache is a process-local ResultCache. Expired entries are dropped
// when read.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewInMemoryCache returns an empty cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	if !c.now().Before(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: append([]byte(nil), value...), expires: c.now().Add(ttl)}
	return nil
}

func (c *InMemoryCache) Name() string { return "memory" }

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache is a ResultCache shared between gateway instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for history cache")
	return NewRedisCacheWithClient(rdb, cfg.KeyPrefix), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "sensorgate:history:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Name() string { return "redis" }

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedExecutor serves device lists and statistics from a ResultCache and
// passes time-bounded queries straight through. Cache failures degrade to a
// direct query.
type CachedExecutor struct {
	next   Executor
	cache  ResultCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedExecutor wraps next. A non-positive ttl uses DefaultCacheTTL.
func NewCachedExecutor(next Executor, cache ResultCache, ttl time.Duration, logger zerolog.Logger) *CachedExecutor {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedExecutor{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "CachedExecutor").Str("cache", cache.Name()).Logger(),
	}
}

func (c *CachedExecutor) QueryHistorical(ctx context.Context, q Query) ([]DataPoint, error) {
	return c.next.QueryHistorical(ctx, q)
}

func (c *CachedExecutor) QueryAggregated(ctx context.Context, q Query) ([]AggregatedPoint, error) {
	return c.next.QueryAggregated(ctx, q)
}

func (c *CachedExecutor) ListDevices(ctx context.Context, sensorType types.SensorType) ([]DeviceInfo, error) {
	key := "devices:" + string(sensorType)
	if sensorType == "" {
		key = "devices:all"
	}
	var devices []DeviceInfo
	if c.load(ctx, key, &devices) {
		return devices, nil
	}
	devices, err := c.next.ListDevices(ctx, sensorType)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, devices)
	return devices, nil
}

func (c *CachedExecutor) SensorTypeStats(ctx context.Context) (StatsSummary, error) {
	const key = "stats"
	var summary StatsSummary
	if c.load(ctx, key, &summary) {
		return summary, nil
	}
	summary, err := c.next.SensorTypeStats(ctx)
	if err != nil {
		return StatsSummary{}, err
	}
	c.store(ctx, key, summary)
	return summary, nil
}

func (c *CachedExecutor) HealthCheck(ctx context.Context) Health {
	h := c.next.HealthCheck(ctx)
	h.Cache = c.cache.Name()
	return h
}

func (c *CachedExecutor) load(ctx context.Context, key string, dst any) bool {
	b, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Error reading from history cache")
		}
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached history result")
		return false
	}
	c.logger.Debug().Str("key", key).Msg("Cache hit")
	return true
}

func (c *CachedExecutor) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal history result for caching")
		return
	}
	if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to write history result to cache")
	}
}
