package stages

import (
	"net/url"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/ratehost"
)

// RateLimit implements stage 8: acquire a per-upstream-host permit before
// issuing the request. A no-op if the response already came from cache.
type RateLimit struct {
	table *ratehost.Table
}

// NewRateLimit builds the RateLimit stage.
func NewRateLimit(table *ratehost.Table) *RateLimit {
	return &RateLimit{table: table}
}

func (s *RateLimit) Name() string { return "rate_limit" }

func (s *RateLimit) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.UpstreamResult != nil || ctx.Upstream == nil || ctx.Upstream.URL == "" {
		return pipeline.Continue, nil
	}

	parsed, err := url.Parse(ctx.Upstream.URL)
	if err != nil {
		return pipeline.Continue, nil
	}

	if err := s.table.Acquire(ctx.Ctx, parsed.Host); err != nil {
		ctx.Response = &pipeline.Response{Status: 499, Body: []byte(`{"error":"request cancelled while waiting for rate limit"}`), NoStore: true}
		return pipeline.Terminal, nil
	}

	return pipeline.Continue, nil
}
