package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQualityScoreRichRecentList(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := fmt.Sprintf(
		`[{"title":"Go 1.26 released","description":"details","published_at":"%s"}]`,
		now.Add(-2*time.Hour).Format(time.RFC3339),
	)

	// list(30) + object(20) + recent(30) + title/description(20)
	require.Equal(t, 100, QualityScore([]byte(payload), now))
}

func TestQualityScoreAgedContent(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		age  time.Duration
		want int
	}{
		{name: "under a day", age: 6 * time.Hour, want: 100},
		{name: "under a week", age: 3 * 24 * time.Hour, want: 90},
		{name: "older", age: 30 * 24 * time.Hour, want: 80},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			payload := fmt.Sprintf(
				`[{"title":"t","description":"d","published_at":"%s"}]`,
				now.Add(-tc.age).Format(time.RFC3339),
			)
			require.Equal(t, tc.want, QualityScore([]byte(payload), now))
		})
	}
}

func TestQualityScoreBareObject(t *testing.T) {
	t.Parallel()

	score := QualityScore([]byte(`{"summary":"short"}`), time.Now())
	require.Equal(t, 20, score)
}

func TestQualityScoreEmptyAndMalformed(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, QualityScore([]byte(`[]`), time.Now()))
	require.Equal(t, 0, QualityScore([]byte(`not json`), time.Now()))
}

func TestValidatePayloadByContentType(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidatePayload(ContentNews, []byte(`[{"title":"x"}]`)))
	require.Error(t, ValidatePayload(ContentNews, []byte(`{"title":"x"}`)))

	require.NoError(t, ValidatePayload(ContentSummary, []byte(`{"text":"ok"}`)))
	require.NoError(t, ValidatePayload(ContentSummary, []byte(`"plain summary"`)))
	require.Error(t, ValidatePayload(ContentSummary, []byte(`[1,2]`)))

	require.Error(t, ValidatePayload(ContentType("video"), []byte(`[]`)))
	require.Error(t, ValidatePayload(ContentEvents, nil))
}
