package stages

import (
	"context"
	"net/http"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

func gateContext(method, accept, body string) *pipeline.RequestContext {
	headers := http.Header{}
	if accept != "" {
		headers.Set("Accept", accept)
	}
	return &pipeline.RequestContext{
		Ctx:     context.Background(),
		Inbound: pipeline.Inbound{Method: method, Headers: headers, Body: []byte(body)},
	}
}

func TestJsonRpcGate_GETPassesThroughUnchecked(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodGet, "", "")

	decision, err := stage.Run(ctx)
	if err != nil || decision != pipeline.Continue {
		t.Fatalf("expected GET to pass through, got decision=%v err=%v", decision, err)
	}
}

func TestJsonRpcGate_RejectsAcceptWithoutEventStream(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodPost, "application/json", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Terminal || ctx.Response.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an Accept header missing text/event-stream, got decision=%v response=%+v", decision, ctx.Response)
	}
}

func TestJsonRpcGate_RejectsBatchRequests(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodPost, "application/json, text/event-stream", `[{"jsonrpc":"2.0","id":1,"method":"tools/call"}]`)

	decision, _ := stage.Run(ctx)
	if decision != pipeline.Terminal || ctx.Response.Status != http.StatusBadRequest {
		t.Fatalf("expected batch requests to be rejected with 400, got decision=%v response=%+v", decision, ctx.Response)
	}
}

func TestJsonRpcGate_RejectsNotifications(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodPost, "application/json, text/event-stream", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	decision, _ := stage.Run(ctx)
	if decision != pipeline.Terminal || ctx.Response.Status != http.StatusBadRequest {
		t.Fatalf("expected a notification (no id) to be rejected with 400, got decision=%v response=%+v", decision, ctx.Response)
	}
}

func TestJsonRpcGate_AllowsWellFormedRequest(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodPost, "application/json, text/event-stream", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)

	decision, err := stage.Run(ctx)
	if err != nil || decision != pipeline.Continue {
		t.Fatalf("expected a well-formed request to continue, got decision=%v err=%v", decision, err)
	}
}

func TestJsonRpcGate_WildcardAcceptIsAllowed(t *testing.T) {
	stage := NewJsonRpcGate()
	ctx := gateContext(http.MethodPost, "*/*", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)

	decision, err := stage.Run(ctx)
	if err != nil || decision != pipeline.Continue {
		t.Fatalf("expected */* Accept to satisfy the gate, got decision=%v err=%v", decision, err)
	}
}
