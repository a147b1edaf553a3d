package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/knothic/anvil/core"
)

const redisCacheKeyPrefix = "anvil:cache:"

// RedisCache implements Cache against a Redis server so several runtime
// processes can share the LLM response cache and daily budget counters.
// Selected with CACHE_BACKEND=redis.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

// NewRedisCache connects to the given Redis URL ("redis://host:port/db" or a
// bare "host:port") and verifies the connection with a ping.
func NewRedisCache(redisURL string, logger core.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		// Tolerate bare host:port addresses.
		opts = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", redisURL, err)
	}

	logger.Info("Redis cache backend connected", map[string]interface{}{
		"redis_url": redisURL,
	})

	return &RedisCache{
		client:    client,
		keyPrefix: redisCacheKeyPrefix,
		logger:    logger,
	}, nil
}

// Close releases the Redis connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) namespaced(key string) string {
	return r.keyPrefix + key
}

// CacheGet implements Cache. Expiry is enforced natively by Redis TTLs.
func (r *RedisCache) CacheGet(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.namespaced(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache key %s: %w", key, err)
	}
	return value, true, nil
}

// CachePut implements Cache. Meta is not persisted on this backend; the
// value alone carries the cached payload.
func (r *RedisCache) CachePut(ctx context.Context, key, value string, ttl time.Duration, meta map[string]string) error {
	if err := r.client.Set(ctx, r.namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

// CacheIncrFloat implements Cache using INCRBYFLOAT so increments from
// multiple processes serialize inside Redis.
func (r *RedisCache) CacheIncrFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	nsKey := r.namespaced(key)
	total, err := r.client.IncrByFloat(ctx, nsKey, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	if ttl > 0 {
		// Best effort; a missing TTL only means the counter lives longer.
		_ = r.client.Expire(ctx, nsKey, ttl).Err()
	}
	return total, nil
}
