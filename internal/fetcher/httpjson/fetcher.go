// Package httpjson implements the provider fetcher over plain HTTP JSON
// search endpoints.
package httpjson

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pulsewire/content-engine/internal/engine"
)

// Config controls fetcher behavior. Endpoints maps a provider name to its
// search URL; the bucket's keywords, content type, and result count are
// appended as query parameters.
type Config struct {
	Endpoints map[string]string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher executes one HTTP GET per bucket against the provider's endpoint.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     60 * time.Second,
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Fetch performs the provider call for the bucket and returns the raw JSON
// response body.
func (f *Fetcher) Fetch(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
	endpoint, ok := f.cfg.Endpoints[bucket.Provider]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for provider %q", bucket.Provider)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint for %q: %w", bucket.Provider, err)
	}
	q := u.Query()
	q.Set("q", strings.Join(engine.CanonicalKeywords(bucket.Keywords), ","))
	q.Set("type", string(bucket.ContentType))
	if bucket.ResultCount > 0 {
		q.Set("limit", strconv.Itoa(bucket.ResultCount))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", bucket.Provider, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", bucket.Provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s returned status %d", bucket.Provider, resp.StatusCode)
	}
	return body, nil
}
