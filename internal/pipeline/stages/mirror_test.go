package stages

import (
	"context"
	"net/http"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

func TestMirror_NoUpstreamResultIsNoop(t *testing.T) {
	ctx := &pipeline.RequestContext{Ctx: context.Background()}

	stage := NewMirror()
	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue, got %v", decision)
	}
	if ctx.Response != nil {
		t.Fatalf("expected no Response without an UpstreamResult")
	}
}

func TestMirror_CopiesUpstreamResultAndAttachesSettlementHeader(t *testing.T) {
	ctx := &pipeline.RequestContext{
		Ctx: context.Background(),
		UpstreamResult: &pipeline.UpstreamResult{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"ok":true}`),
		},
	}
	ctx.Payment.SettlementResponse = `{"success":true}`

	stage := NewMirror()
	if _, err := stage.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ctx.Response == nil {
		t.Fatalf("expected a Response to be built")
	}
	if ctx.Response.Status != http.StatusOK {
		t.Fatalf("expected status to be copied, got %d", ctx.Response.Status)
	}
	if string(ctx.Response.Body) != `{"ok":true}` {
		t.Fatalf("expected body to be copied verbatim, got %s", ctx.Response.Body)
	}
	if ctx.Response.Header.Get("X-PAYMENT-RESPONSE") != `{"success":true}` {
		t.Fatalf("expected settlement response header to be attached")
	}
	// Mutating the response header must not mutate the original.
	ctx.Response.Header.Set("Content-Type", "text/plain")
	if ctx.UpstreamResult.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("expected Mirror to clone the header map, not alias it")
	}
}
