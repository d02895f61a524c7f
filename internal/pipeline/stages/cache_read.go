package stages

import (
	"net/http"

	"github.com/wtfsayo/mcpay-sub002/internal/cache"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// CacheRead implements stage 7: serve idempotent GETs from the response
// cache on a hit.
type CacheRead struct {
	cache *cache.ResponseCache
}

// NewCacheRead builds the CacheRead stage.
func NewCacheRead(c *cache.ResponseCache) *CacheRead {
	return &CacheRead{cache: c}
}

func (s *CacheRead) Name() string { return "cache_read" }

func (s *CacheRead) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.Upstream == nil || ctx.Upstream.URL == "" {
		return pipeline.Continue, nil
	}

	key := cache.Key(ctx.Upstream.Method, ctx.Upstream.URL, ctx.Upstream.Body)
	ctx.CacheKey = key

	if ctx.Upstream.Method != http.MethodGet {
		return pipeline.Continue, nil
	}

	entry, ok := s.cache.Get(ctx.Upstream.Method, key)
	if !ok {
		return pipeline.Continue, nil
	}

	ctx.UpstreamResult = &pipeline.UpstreamResult{
		Status:     entry.Status,
		StatusText: entry.StatusText,
		Header:     entry.Headers.Clone(),
		Body:       entry.Body,
		FromCache:  true,
	}
	return pipeline.Continue, nil
}
