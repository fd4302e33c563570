package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CanonicalKeywords lowercases, trims, de-duplicates, and sorts a keyword
// set so that keyword order never changes a bucket's identity.
func CanonicalKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CacheKey derives the deterministic key for a bucket from its content type,
// canonical keyword set, and result count. The content-type prefix keeps
// pattern invalidation by type cheap.
func CacheKey(bucket ContentBucket) string {
	kws := CanonicalKeywords(bucket.Keywords)
	material := fmt.Sprintf("%s|%s|%d", bucket.ContentType, strings.Join(kws, ","), bucket.ResultCount)
	sum := sha256.Sum256([]byte(material))
	return fmt.Sprintf("%s:%s", bucket.ContentType, hex.EncodeToString(sum[:])[:24])
}
