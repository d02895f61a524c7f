package stages

import (
	"context"
	"testing"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/ratehost"
)

func TestRateLimit_SkipsOnCacheHit(t *testing.T) {
	table := ratehost.New(ratehost.Config{MinRequestDelay: time.Hour, MaxPerMinute: 1, WindowLength: time.Minute})
	stage := NewRateLimit(table)

	ctx := &pipeline.RequestContext{
		Ctx:            context.Background(),
		Upstream:       &pipeline.UpstreamRequest{URL: "https://upstream.example/data"},
		UpstreamResult: &pipeline.UpstreamResult{FromCache: true},
	}

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue on a cache hit, got %v", decision)
	}
}

func TestRateLimit_CancelledContextReturns499(t *testing.T) {
	table := ratehost.New(ratehost.Config{MinRequestDelay: time.Hour, MaxPerMinute: 1, WindowLength: time.Minute})
	stage := NewRateLimit(table)

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	ctx := &pipeline.RequestContext{
		Ctx:      cancelledCtx,
		Upstream: &pipeline.UpstreamRequest{URL: "https://upstream.example/data"},
	}

	// Consume the host's only immediate permit so the second Acquire has to
	// wait on the already-cancelled context and return its error.
	_ = table.Acquire(context.Background(), "upstream.example")

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Terminal {
		t.Fatalf("expected Terminal on cancellation, got %v", decision)
	}
	if ctx.Response == nil || ctx.Response.Status != 499 {
		t.Fatalf("expected a 499 response, got %+v", ctx.Response)
	}
}
