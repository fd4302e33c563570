package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewire/content-engine/internal/engine"
)

// QuotaStore keeps quota counters in Redis hashes, one hash per provider.
// Increments use HINCRBY so concurrent instances never lose updates.
type QuotaStore struct {
	client *redis.Client
	cfg    Config
}

// NewQuotaStore wraps an existing client.
func NewQuotaStore(client *redis.Client, cfg Config) *QuotaStore {
	return &QuotaStore{client: client, cfg: cfg.withDefaults()}
}

func (s *QuotaStore) quotaKey(provider string) string {
	return fmt.Sprintf("%s:quota:%s", s.cfg.KeyPrefix, provider)
}

// Load returns the stored record for one provider.
func (s *QuotaStore) Load(ctx context.Context, provider string) (engine.QuotaRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.quotaKey(provider)).Result()
	if err != nil {
		return engine.QuotaRecord{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return engine.QuotaRecord{}, false, nil
	}
	rec, err := recordFromFields(provider, fields)
	if err != nil {
		return engine.QuotaRecord{}, false, err
	}
	return rec, true, nil
}

// Increment atomically adds n to both window counters.
func (s *QuotaStore) Increment(ctx context.Context, provider string, n int) error {
	key := s.quotaKey(provider)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "daily_used", int64(n))
	pipe.HIncrBy(ctx, key, "hourly_used", int64(n))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hincrby: %w", err)
	}
	return nil
}

// ResetWindows stores zeroed counters and advanced reset times.
func (s *QuotaStore) ResetWindows(ctx context.Context, record engine.QuotaRecord) error {
	err := s.client.HSet(ctx, s.quotaKey(record.Provider), map[string]any{
		"daily_limit":     record.DailyLimit,
		"hourly_limit":    record.HourlyLimit,
		"daily_used":      record.DailyUsed,
		"hourly_used":     record.HourlyUsed,
		"daily_reset_at":  record.DailyResetAt.UTC().Format(time.RFC3339),
		"hourly_reset_at": record.HourlyResetAt.UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// All scans every provider hash.
func (s *QuotaStore) All(ctx context.Context) ([]engine.QuotaRecord, error) {
	match := fmt.Sprintf("%s:quota:*", s.cfg.KeyPrefix)
	prefixLen := len(fmt.Sprintf("%s:quota:", s.cfg.KeyPrefix))
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	var out []engine.QuotaRecord
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromFields(key[prefixLen:], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Close releases the underlying client.
func (s *QuotaStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func recordFromFields(provider string, fields map[string]string) (engine.QuotaRecord, error) {
	rec := engine.QuotaRecord{Provider: provider}
	var err error
	if rec.DailyLimit, err = intField(fields, "daily_limit"); err != nil {
		return engine.QuotaRecord{}, err
	}
	if rec.HourlyLimit, err = intField(fields, "hourly_limit"); err != nil {
		return engine.QuotaRecord{}, err
	}
	if rec.DailyUsed, err = intField(fields, "daily_used"); err != nil {
		return engine.QuotaRecord{}, err
	}
	if rec.HourlyUsed, err = intField(fields, "hourly_used"); err != nil {
		return engine.QuotaRecord{}, err
	}
	rec.DailyResetAt = timeField(fields, "daily_reset_at")
	rec.HourlyResetAt = timeField(fields, "hourly_reset_at")
	return rec, nil
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse quota field %s: %w", name, err)
	}
	return v, nil
}

func timeField(fields map[string]string, name string) time.Time {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
