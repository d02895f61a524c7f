package stages

import (
	"context"
	"net/http"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

func TestBrowserHeaders_StripsHopByHopAndInfraHeaders(t *testing.T) {
	ctx := &pipeline.RequestContext{
		Ctx: context.Background(),
		Inbound: pipeline.Inbound{
			Method: http.MethodGet,
			Headers: http.Header{
				"Authorization":   {"Bearer secret"},
				"Cookie":          {"session=abc"},
				"X-Forwarded-For": {"1.2.3.4"},
				"Cf-Ray":          {"abcd"},
				"X-Vercel-Id":     {"xyz"},
				"Accept-Encoding": {"gzip"},
			},
		},
		ToolCall: &pipeline.ToolCall{MCPOrigin: "https://upstream.example"},
	}

	stage := NewBrowserHeaders("https://gateway.example")
	if _, err := stage.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, dropped := range []string{"Authorization", "Cookie", "X-Forwarded-For", "Cf-Ray", "X-Vercel-Id"} {
		if ctx.Upstream.Header.Get(dropped) != "" {
			t.Fatalf("expected %s to be stripped, got %q", dropped, ctx.Upstream.Header.Get(dropped))
		}
	}
	if ctx.Upstream.Header.Get("Accept-Encoding") != "gzip" {
		t.Fatalf("expected unrelated headers to survive")
	}
	if ctx.Upstream.Header.Get("User-Agent") == "" {
		t.Fatalf("expected a synthesized User-Agent")
	}
	if ctx.Upstream.Header.Get("Host") != "upstream.example" {
		t.Fatalf("expected Host set from MCPOrigin, got %q", ctx.Upstream.Header.Get("Host"))
	}
	if ctx.Upstream.Header.Get("Referer") != "https://gateway.example" {
		t.Fatalf("expected Referer to equal publicURL")
	}
}

func TestBrowserHeaders_InjectsAuthHeadersWhenRequired(t *testing.T) {
	ctx := &pipeline.RequestContext{
		Ctx:     context.Background(),
		Inbound: pipeline.Inbound{Headers: http.Header{}},
		ToolCall: &pipeline.ToolCall{
			MCPOrigin:   "https://upstream.example",
			RequireAuth: true,
			AuthHeaders: map[string]string{"X-Api-Key": "upstream-secret"},
		},
	}

	stage := NewBrowserHeaders("https://gateway.example")
	if _, err := stage.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ctx.Upstream.Header.Get("X-Api-Key") != "upstream-secret" {
		t.Fatalf("expected server auth header to be injected")
	}
}
