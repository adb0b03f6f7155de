package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/response-cache/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces all keys written by a RedisBackend.
const DefaultRedisPrefix = "rc:"

// RedisConfig configures a RedisBackend.
type RedisConfig struct {
	// Prefix is prepended to every Redis key (default: DefaultRedisPrefix).
	Prefix string

	// Capacity bounds the number of entries; 0 leaves sizing to Redis.
	Capacity int

	// Logger overrides the default component logger.
	Logger *zerolog.Logger
}

// RedisBackend stores JSON-encoded entries in Redis.
// Entries expire through Redis TTLs. Recency is tracked in a sorted set so
// that the least recently used entries are removed once Capacity is exceeded.
type RedisBackend struct {
	evictHooks
	redis    *redis.Client
	prefix   string
	capacity int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRedisBackend creates a backend on top of redisClient.
func NewRedisBackend(redisClient *redis.Client, cfg RedisConfig) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	logger := logging.NewLogger("cache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &RedisBackend{
		redis:    redisClient,
		prefix:   prefix,
		capacity: cfg.Capacity,
		now:      time.Now,
		logger:   logger,
	}
}

func (b *RedisBackend) dataKey(key string) string {
	return b.prefix + "entry:" + key
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "lru"
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (b *RedisBackend) Get(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := b.redis.Get(ctx, b.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired through TTL; drop it from the recency index
			b.redis.ZRem(ctx, b.indexKey(), key)
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if err := b.touch(ctx, key); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set stores a cache entry with the given TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.dataKey(key), data, ttl)
		pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: b.score(), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	// the entry is stored; an over-capacity index is trimmed on the next Set
	if err := b.trim(ctx); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Redis capacity trim failed")
	}
	return nil
}

// Delete removes a cache entry.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	_, err := b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.dataKey(key))
		pipe.ZRem(ctx, b.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Len returns the number of indexed entries.
func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	n, err := b.redis.ZCard(ctx, b.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}

func (b *RedisBackend) score() float64 {
	return float64(b.now().UnixNano())
}

func (b *RedisBackend) touch(ctx context.Context, key string) error {
	// XX: only refresh members that are still indexed
	if err := b.redis.ZAddXX(ctx, b.indexKey(), redis.Z{Score: b.score(), Member: key}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

// trim pops the least recently used entries beyond capacity.
func (b *RedisBackend) trim(ctx context.Context) error {
	if b.capacity <= 0 {
		return nil
	}

	size, err := b.redis.ZCard(ctx, b.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("redis zcard: %w", err)
	}
	overflow := size - int64(b.capacity)
	if overflow <= 0 {
		return nil
	}

	popped, err := b.redis.ZPopMin(ctx, b.indexKey(), overflow).Result()
	if err != nil {
		return fmt.Errorf("redis zpopmin: %w", err)
	}

	keys := make([]string, 0, len(popped))
	dataKeys := make([]string, 0, len(popped))
	for _, z := range popped {
		key, ok := z.Member.(string)
		if !ok {
			continue
		}
		keys = append(keys, key)
		dataKeys = append(dataKeys, b.dataKey(key))
	}
	if len(dataKeys) > 0 {
		if err := b.redis.Del(ctx, dataKeys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}

	b.notify(keys...)
	return nil
}
