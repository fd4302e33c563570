package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsewire/content-engine/internal/engine"
)

// QuotaStoreConfig controls the Postgres connection pool used for quota rows.
type QuotaStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// QuotaStore persists quota counters shared between instances. Increments
// run server-side so concurrent admissions on different instances never lose
// updates.
type QuotaStore struct {
	pool  dbPool
	table string
}

// NewQuotaStore creates a Postgres-backed QuotaStore using the provided config.
func NewQuotaStore(ctx context.Context, cfg QuotaStoreConfig) (*QuotaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "api_quotas"
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
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &QuotaStore{pool: pool, table: table}, nil
}

// NewQuotaStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewQuotaStoreWithPool(pool dbPool, table string) (*QuotaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "api_quotas"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &QuotaStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *QuotaStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Load returns the row for one provider.
func (s *QuotaStore) Load(ctx context.Context, provider string) (engine.QuotaRecord, bool, error) {
	query := fmt.Sprintf(`
SELECT api_type, daily_limit, daily_used, hourly_limit, hourly_used, daily_reset_at, hourly_reset_at
FROM %s WHERE api_type = $1 AND is_active`, s.table)

	rec, err := scanQuotaRow(s.pool.QueryRow(ctx, query, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.QuotaRecord{}, false, nil
	}
	if err != nil {
		return engine.QuotaRecord{}, false, fmt.Errorf("select quota row: %w", err)
	}
	return rec, true, nil
}

// Increment atomically adds n to both window counters.
func (s *QuotaStore) Increment(ctx context.Context, provider string, n int) error {
	query := fmt.Sprintf(`
UPDATE %s SET daily_used = daily_used + $2, hourly_used = hourly_used + $2
WHERE api_type = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, provider, n); err != nil {
		return fmt.Errorf("increment quota counters: %w", err)
	}
	return nil
}

// ResetWindows stores zeroed counters and advanced reset times for the
// provider's expired windows.
func (s *QuotaStore) ResetWindows(ctx context.Context, record engine.QuotaRecord) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	daily_used = $2,
	hourly_used = $3,
	daily_reset_at = $4,
	hourly_reset_at = $5
WHERE api_type = $1`, s.table)
	args := []any{
		record.Provider,
		record.DailyUsed,
		record.HourlyUsed,
		record.DailyResetAt,
		record.HourlyResetAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("reset quota windows: %w", err)
	}
	return nil
}

// All returns every active quota row.
func (s *QuotaStore) All(ctx context.Context) ([]engine.QuotaRecord, error) {
	query := fmt.Sprintf(`
SELECT api_type, daily_limit, daily_used, hourly_limit, hourly_used, daily_reset_at, hourly_reset_at
FROM %s WHERE is_active ORDER BY api_type`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select quota rows: %w", err)
	}
	defer rows.Close()

	var out []engine.QuotaRecord
	for rows.Next() {
		rec, err := scanQuotaRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota rows: %w", err)
	}
	return out, nil
}

func scanQuotaRow(row pgx.Row) (engine.QuotaRecord, error) {
	var rec engine.QuotaRecord
	err := row.Scan(
		&rec.Provider,
		&rec.DailyLimit,
		&rec.DailyUsed,
		&rec.HourlyLimit,
		&rec.HourlyUsed,
		&rec.DailyResetAt,
		&rec.HourlyResetAt,
	)
	if err != nil {
		return engine.QuotaRecord{}, err
	}
	return rec, nil
}
