package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/cache"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

// ResponseCache stores search results in a cache.Client keyed by a request
// fingerprint. Cache failures are logged and treated as misses.
type ResponseCache struct {
	client cache.Client
	logger *observability.Logger
	ttl    time.Duration
}

// NewResponseCache creates a response cache.
func NewResponseCache(client cache.Client, logger *observability.Logger, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ResponseCache{client: client, logger: logger, ttl: ttl}
}

// Key returns the cache key for a normalized request.
func (c *ResponseCache) Key(req SearchRequest) string {
	exclude := append([]string(nil), req.Exclude...)
	sort.Strings(exclude)
	req.Exclude = exclude

	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return cache.SearchKey(hex.EncodeToString(sum[:16]))
}

// Get returns a cached result, or nil on miss.
func (c *ResponseCache) Get(ctx context.Context, key string) *SearchResult {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Msg("Search cache read failed")
		}
		return nil
	}
	var res SearchResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn().Err(err).Msg("Search cache entry corrupt")
		_ = c.client.Delete(ctx, key)
		return nil
	}
	return &res
}

// Put stores res under key.
func (c *ResponseCache) Put(ctx context.Context, key string, res *SearchResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("Search cache write failed")
	}
}

// Invalidate drops every cached search result.
func (c *ResponseCache) Invalidate(ctx context.Context) error {
	return c.client.DeleteByPrefix(ctx, cache.SearchKey(""))
}
