package stages

import (
	"net/http"

	"github.com/wtfsayo/mcpay-sub002/internal/cache"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// CacheWrite implements stage 12: store successful GETs in the response
// cache with a domain-specific TTL.
type CacheWrite struct {
	cache *cache.ResponseCache
}

// NewCacheWrite builds the CacheWrite stage.
func NewCacheWrite(c *cache.ResponseCache) *CacheWrite {
	return &CacheWrite{cache: c}
}

func (s *CacheWrite) Name() string { return "cache_write" }

func (s *CacheWrite) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.UpstreamResult == nil || ctx.UpstreamResult.FromCache {
		return pipeline.Continue, nil
	}
	if ctx.Upstream == nil || ctx.Upstream.Method != http.MethodGet {
		return pipeline.Continue, nil
	}
	if ctx.UpstreamResult.Status >= 400 {
		return pipeline.Continue, nil
	}

	statusText := ctx.UpstreamResult.StatusText
	if statusText == "" {
		statusText = http.StatusText(ctx.UpstreamResult.Status)
	}

	s.cache.Put(
		ctx.Upstream.Method,
		ctx.CacheKey,
		ctx.Upstream.URL,
		ctx.UpstreamResult.Status,
		statusText,
		ctx.UpstreamResult.Header,
		ctx.UpstreamResult.Body,
	)
	return pipeline.Continue, nil
}
