package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

var timestampKeys = []string{"published_at", "publishedAt", "timestamp", "date", "created_at", "start_date"}

var titleKeys = []string{"title", "headline", "name"}

var descriptionKeys = []string{"description", "summary", "text", "content"}

// ValidatePayload checks that a payload matches the schema expected for its
// content type before it enters the cache. This keeps quality scoring and
// freshness policy type-safe instead of duck-typed.
func ValidatePayload(ct ContentType, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrConfiguration, ct)
	}
	switch ct {
	case ContentNews, ContentSocial, ContentEvents:
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("%s payload must be a JSON array: %w", ct, err)
		}
	case ContentSummary:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			var s string
			if strErr := json.Unmarshal(payload, &s); strErr != nil {
				return fmt.Errorf("%s payload must be a JSON object or string: %w", ct, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrConfiguration, ct)
	}
	return nil
}

// QualityScore rates a payload 0-100 for fallback ranking: non-empty list
// +30, well-formed object +20, recency +30/+20/+10 (under a day / under a
// week / older, when a timestamp is present), title plus description +20.
func QualityScore(payload []byte, now time.Time) int {
	score := 0

	var list []map[string]any
	var obj map[string]any

	isList := json.Unmarshal(payload, &list) == nil
	if isList && len(list) > 0 {
		score += 30
		obj = list[0]
	} else if !isList && json.Unmarshal(payload, &obj) == nil {
		// fallthrough with obj populated
	}

	if obj != nil {
		score += 20
		if ts, ok := extractTimestamp(obj); ok {
			switch age := now.Sub(ts); {
			case age < 24*time.Hour:
				score += 30
			case age < 7*24*time.Hour:
				score += 20
			default:
				score += 10
			}
		}
		if hasNonEmpty(obj, titleKeys) && hasNonEmpty(obj, descriptionKeys) {
			score += 20
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func extractTimestamp(obj map[string]any) (time.Time, bool) {
	for _, key := range timestampKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func hasNonEmpty(obj map[string]any, keys []string) bool {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && s != "" {
			return true
		}
	}
	return false
}
