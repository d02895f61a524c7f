package stages

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/cache"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

func newTestCache() *cache.ResponseCache {
	return cache.New(cache.Config{CoingeckoTTL: time.Minute, APITTL: time.Minute, DefaultTTL: time.Minute, MaxCacheSize: 100})
}

func TestCacheReadWrite_RoundTripOnGET(t *testing.T) {
	c := newTestCache()
	read := NewCacheRead(c)
	write := NewCacheWrite(c)

	ctx := &pipeline.RequestContext{
		Ctx:      context.Background(),
		Upstream: &pipeline.UpstreamRequest{Method: http.MethodGet, URL: "https://upstream.example/data"},
	}

	if _, err := read.Run(ctx); err != nil {
		t.Fatalf("unexpected error on first read: %v", err)
	}
	if ctx.UpstreamResult != nil {
		t.Fatalf("expected a miss on the first read")
	}
	if ctx.CacheKey == "" {
		t.Fatalf("expected CacheRead to populate CacheKey even on a miss")
	}

	ctx.UpstreamResult = &pipeline.UpstreamResult{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"value":1}`),
	}
	if _, err := write.Run(ctx); err != nil {
		t.Fatalf("unexpected error on write: %v", err)
	}

	// A fresh request context simulates the next inbound call.
	ctx2 := &pipeline.RequestContext{
		Ctx:      context.Background(),
		Upstream: &pipeline.UpstreamRequest{Method: http.MethodGet, URL: "https://upstream.example/data"},
	}
	if _, err := read.Run(ctx2); err != nil {
		t.Fatalf("unexpected error on second read: %v", err)
	}
	if ctx2.UpstreamResult == nil || !ctx2.UpstreamResult.FromCache {
		t.Fatalf("expected a cache hit on the second read, got %+v", ctx2.UpstreamResult)
	}
	if string(ctx2.UpstreamResult.Body) != `{"value":1}` {
		t.Fatalf("unexpected cached body: %s", ctx2.UpstreamResult.Body)
	}
}

func TestCacheWrite_SkipsNonGETAndErrorStatuses(t *testing.T) {
	c := newTestCache()
	write := NewCacheWrite(c)

	postCtx := &pipeline.RequestContext{
		Ctx:            context.Background(),
		Upstream:       &pipeline.UpstreamRequest{Method: http.MethodPost, URL: "https://upstream.example/data"},
		CacheKey:       "key-post",
		UpstreamResult: &pipeline.UpstreamResult{Status: http.StatusOK, Header: http.Header{}, Body: []byte("x")},
	}
	if _, err := write.Run(postCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errCtx := &pipeline.RequestContext{
		Ctx:            context.Background(),
		Upstream:       &pipeline.UpstreamRequest{Method: http.MethodGet, URL: "https://upstream.example/err"},
		CacheKey:       "key-err",
		UpstreamResult: &pipeline.UpstreamResult{Status: http.StatusInternalServerError, Header: http.Header{}, Body: []byte("boom")},
	}
	if _, err := write.Run(errCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	readCtx := &pipeline.RequestContext{
		Ctx:      context.Background(),
		Upstream: &pipeline.UpstreamRequest{Method: http.MethodGet, URL: "https://upstream.example/err"},
	}
	read := NewCacheRead(c)
	if _, err := read.Run(readCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if readCtx.UpstreamResult != nil {
		t.Fatalf("expected a 500 response to never be cached")
	}
}
