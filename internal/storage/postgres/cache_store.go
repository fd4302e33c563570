// Package postgres provides Postgres-backed persistence for the shared
// cache tier and the quota table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsewire/content-engine/internal/engine"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// CacheStoreConfig controls the Postgres connection pool used for cache rows.
type CacheStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// CacheStore is the durable shared tier. Writes are idempotent upserts keyed
// by cache_key; last writer wins, which the layered model already tolerates.
type CacheStore struct {
	pool  dbPool
	table string
}

// NewCacheStore creates a Postgres-backed CacheStore using the provided config.
func NewCacheStore(ctx context.Context, cfg CacheStoreConfig) (*CacheStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "content_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CacheStore{pool: pool, table: table}, nil
}

// NewCacheStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewCacheStoreWithPool(pool dbPool, table string) (*CacheStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "content_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CacheStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CacheStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Get returns the row for key, expired or not.
func (s *CacheStore) Get(ctx context.Context, key string) (engine.CacheEntry, bool, error) {
	query := fmt.Sprintf(`
SELECT cache_data, cache_type, source, ttl_seconds, quality_score, metadata, created_at
FROM %s WHERE cache_key = $1`, s.table)

	var (
		payload     []byte
		contentType string
		source      string
		ttlSeconds  int64
		quality     int
		metaJSON    []byte
		createdAt   time.Time
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&payload, &contentType, &source, &ttlSeconds, &quality, &metaJSON, &createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CacheEntry{}, false, nil
	}
	if err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("%w: select cache row: %w", engine.ErrCacheBackend, err)
	}

	var metadata map[string]string
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &metadata); err != nil {
			return engine.CacheEntry{}, false, fmt.Errorf("decode cache metadata: %w", err)
		}
	}
	return engine.CacheEntry{
		Key:          key,
		ContentType:  engine.ContentType(contentType),
		Payload:      payload,
		CreatedAt:    createdAt,
		TTL:          time.Duration(ttlSeconds) * time.Second,
		Source:       source,
		QualityScore: quality,
		Tier:         engine.TierShared,
		Metadata:     metadata,
	}, true, nil
}

// Put upserts the entry by cache_key.
func (s *CacheStore) Put(ctx context.Context, entry engine.CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	metaJSON, err := json.Marshal(normalizeMetadata(entry.Metadata))
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cache_key,
	cache_data,
	cache_type,
	source,
	ttl_seconds,
	quality_score,
	metadata,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (cache_key) DO UPDATE SET
	cache_data = EXCLUDED.cache_data,
	cache_type = EXCLUDED.cache_type,
	source = EXCLUDED.source,
	ttl_seconds = EXCLUDED.ttl_seconds,
	quality_score = EXCLUDED.quality_score,
	metadata = EXCLUDED.metadata,
	created_at = EXCLUDED.created_at`, s.table)

	args := []any{
		entry.Key,
		[]byte(entry.Payload),
		string(entry.ContentType),
		entry.Source,
		int64(entry.TTL / time.Second),
		entry.QualityScore,
		metaJSON,
		entry.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: upsert cache row: %w", engine.ErrCacheBackend, err)
	}
	return nil
}

// Invalidate removes rows whose key contains pattern.
func (s *CacheStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cache_key LIKE '%%' || $1 || '%%'`, s.table)
	tag, err := s.pool.Exec(ctx, query, pattern)
	if err != nil {
		return 0, fmt.Errorf("%w: delete cache rows: %w", engine.ErrCacheBackend, err)
	}
	return int(tag.RowsAffected()), nil
}

// Evict removes rows older than ttl * graceMultiplier.
func (s *CacheStore) Evict(ctx context.Context, now time.Time, graceMultiplier float64) (int, error) {
	if graceMultiplier < 1 {
		graceMultiplier = 1
	}
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE EXTRACT(EPOCH FROM ($1::timestamptz - created_at)) > ttl_seconds * $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, now, graceMultiplier)
	if err != nil {
		return 0, fmt.Errorf("%w: evict cache rows: %w", engine.ErrCacheBackend, err)
	}
	return int(tag.RowsAffected()), nil
}

func normalizeMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
