package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// CacheConfig sizes the search cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// CachedRetriever memoises Search results of an underlying Retriever.
// Index invalidates the whole cache since a new case can change any ranking.
type CachedRetriever struct {
	next  Retriever
	cache *expirable.LRU[string, []types.SimilarCase]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedRetriever wraps next.
func NewCachedRetriever(next Retriever, cfg CacheConfig) *CachedRetriever {
	if cfg.Size <= 0 {
		cfg.Size = 128
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &CachedRetriever{
		next:  next,
		cache: expirable.NewLRU[string, []types.SimilarCase](cfg.Size, nil, cfg.TTL),
	}
}

func cacheKey(query string, topK int) string {
	return fmt.Sprintf("%d|%s", topK, strings.Join(tokenize(query), " "))
}

func (c *CachedRetriever) Search(ctx context.Context, query string, topK int) ([]types.SimilarCase, error) {
	key := cacheKey(query, topK)
	if cases, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return append([]types.SimilarCase(nil), cases...), nil
	}
	c.misses.Add(1)

	cases, err := c.next.Search(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, append([]types.SimilarCase(nil), cases...))
	return cases, nil
}

func (c *CachedRetriever) RecentEvents(ctx context.Context, devices []string, window time.Duration) ([]types.EventHint, error) {
	return c.next.RecentEvents(ctx, devices, window)
}

func (c *CachedRetriever) Index(ctx context.Context, report types.DiagnosisReport) error {
	if err := c.next.Index(ctx, report); err != nil {
		return err
	}
	c.cache.Purge()
	return nil
}

// Stats returns cache hits and misses.
func (c *CachedRetriever) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
