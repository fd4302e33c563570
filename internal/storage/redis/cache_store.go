// Package redis provides Redis-backed implementations of the shared cache
// tier and quota store, for deployments without Postgres.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewire/content-engine/internal/engine"
)

// Config controls the Redis client shared by both stores.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
	// GraceMultiplier stretches the Redis expiry past the entry TTL so
	// expired entries survive as degraded fallbacks.
	GraceMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "content-engine"
	}
	if c.GraceMultiplier < 1 {
		c.GraceMultiplier = 3
	}
	return c
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// CacheStore is a Redis-backed shared tier. Entries are stored as JSON
// documents with a Redis expiry of ttl * graceMultiplier, so hard-TTL
// expiry stays an engine concern while Redis handles final eviction.
type CacheStore struct {
	client *redis.Client
	cfg    Config
}

// NewCacheStore wraps an existing client.
func NewCacheStore(client *redis.Client, cfg Config) *CacheStore {
	return &CacheStore{client: client, cfg: cfg.withDefaults()}
}

func (s *CacheStore) cacheKey(key string) string {
	return fmt.Sprintf("%s:cache:%s", s.cfg.KeyPrefix, key)
}

// Get returns the stored entry for key, expired or not (final removal is
// Redis expiry at the grace boundary).
func (s *CacheStore) Get(ctx context.Context, key string) (engine.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return engine.CacheEntry{}, false, nil
	}
	if err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("%w: redis get: %w", engine.ErrCacheBackend, err)
	}
	var entry engine.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	entry.Tier = engine.TierShared
	return entry, true, nil
}

// Put upserts the entry with a grace-stretched expiry.
func (s *CacheStore) Put(ctx context.Context, entry engine.CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	expiry := time.Duration(float64(entry.TTL) * s.cfg.GraceMultiplier)
	if err := s.client.Set(ctx, s.cacheKey(entry.Key), raw, expiry).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %w", engine.ErrCacheBackend, err)
	}
	return nil
}

// Invalidate scans for keys containing pattern and deletes them.
func (s *CacheStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	match := fmt.Sprintf("%s:cache:*%s*", s.cfg.KeyPrefix, pattern)
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("%w: redis del: %w", engine.ErrCacheBackend, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: redis scan: %w", engine.ErrCacheBackend, err)
	}
	return removed, nil
}

// Evict is a no-op: Redis expiry already removes entries at the grace
// boundary set in Put.
func (s *CacheStore) Evict(_ context.Context, _ time.Time, _ float64) (int, error) {
	return 0, nil
}

// Close releases the underlying client.
func (s *CacheStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
