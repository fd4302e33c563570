package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pulsewire/content-engine/internal/engine"
)

func TestCacheStorePutUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStoreWithPool(mock, "content_cache")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	entry := engine.CacheEntry{
		Key:          "news:abc",
		ContentType:  engine.ContentNews,
		Payload:      []byte(`[{"title":"x"}]`),
		CreatedAt:    now,
		TTL:          4 * time.Hour,
		Source:       "newsapi",
		QualityScore: 80,
	}

	mock.ExpectExec("INSERT INTO content_cache").
		WithArgs(
			entry.Key,
			[]byte(entry.Payload),
			"news",
			"newsapi",
			int64(4*3600),
			80,
			[]byte(`{}`),
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Put(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreGetReturnsEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStoreWithPool(mock, "content_cache")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"cache_data", "cache_type", "source", "ttl_seconds", "quality_score", "metadata", "created_at",
	}).AddRow(
		[]byte(`[{"title":"x"}]`), "news", "newsapi", int64(3600), 70, []byte(`{"region":"us"}`), now,
	)
	mock.ExpectQuery("SELECT cache_data, cache_type").
		WithArgs("news:abc").
		WillReturnRows(rows)

	got, ok, err := store.Get(context.Background(), "news:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, engine.TierShared, got.Tier)
	require.Equal(t, time.Hour, got.TTL)
	require.Equal(t, 70, got.QualityScore)
	require.Equal(t, map[string]string{"region": "us"}, got.Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreGetMissingKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStoreWithPool(mock, "content_cache")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT cache_data, cache_type").
		WithArgs("news:missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"cache_data", "cache_type", "source", "ttl_seconds", "quality_score", "metadata", "created_at",
		}))

	_, ok, err := store.Get(context.Background(), "news:missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreInvalidateReturnsRemovedCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStoreWithPool(mock, "content_cache")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM content_cache WHERE cache_key LIKE").
		WithArgs("news:").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	removed, err := store.Invalidate(context.Background(), "news:")
	require.NoError(t, err)
	require.Equal(t, 3, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStoreEvictAppliesGrace(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStoreWithPool(mock, "content_cache")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM content_cache").
		WithArgs(now, 3.0).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	removed, err := store.Evict(context.Background(), now, 3)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCacheStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewCacheStoreWithPool(mock, "bad;table")
	require.Error(t, err)
}
