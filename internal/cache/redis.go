// Package cache keeps recent upstream responses in Redis so retried runs skip repeat calls.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"basnya/ingestion/internal/metrics"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces every response key
const KeyPrefix = "nbaingest:response:"

// Config holds Redis connection settings
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	// TTL is the lifetime of every stored entry; zero means 120h
	TTL time.Duration
}

// Entry is a cached upstream body with its provenance
type Entry struct {
	Key       string    `json:"key"`
	Body      []byte    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RedisCache stores raw upstream bodies keyed by request identity
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 120 * time.Hour
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Get returns the cached body for key; ok is false on a miss
func (c *RedisCache) Get(ctx context.Context, key string) (body []byte, ok bool, err error) {
	raw, err := c.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheMiss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}

	var entry Entry
	if err := sonic.Unmarshal(raw, &entry); err != nil {
		// unreadable entries count as misses and are dropped
		log.Warn().Err(err).Str("key", key).Msg("Discarding corrupt cache entry")
		if derr := c.Delete(ctx, key); derr != nil {
			log.Warn().Err(derr).Str("key", key).Msg("Failed to discard cache entry")
		}
		metrics.RecordCacheMiss()
		return nil, false, nil
	}

	metrics.RecordCacheHit()
	return entry.Body, true, nil
}

// Set stores body under key with the configured TTL
func (c *RedisCache) Set(ctx context.Context, key string, body []byte) error {
	raw, err := sonic.Marshal(Entry{Key: key, Body: body, FetchedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	if err := c.client.Set(ctx, KeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes key from the cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %s: %w", key, err)
	}
	return nil
}

// remaining returns the lifetime left on key
func (c *RedisCache) remaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, KeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl of %s: %w", key, err)
	}
	return d, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
