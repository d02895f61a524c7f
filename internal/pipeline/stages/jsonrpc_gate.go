package stages

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// JsonRpcGate implements stage 3: enforce JSON-RPC 2.0 / MCP Accept-header
// and batch/notification semantics for POST requests. GET and DELETE pass
// through untouched: MCP only defines these constraints for POST.
type JsonRpcGate struct{}

// NewJsonRpcGate builds the JsonRpcGate stage.
func NewJsonRpcGate() *JsonRpcGate { return &JsonRpcGate{} }

func (s *JsonRpcGate) Name() string { return "jsonrpc_gate" }

func (s *JsonRpcGate) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.Inbound.Method != http.MethodPost {
		return pipeline.Continue, nil
	}

	accept := ctx.Inbound.Headers.Get("Accept")
	if !acceptsBoth(accept, "application/json", "text/event-stream") {
		ctx.Response = badRequest("Accept header must include both application/json and text/event-stream")
		return pipeline.Terminal, nil
	}

	if len(ctx.Inbound.Body) == 0 {
		return pipeline.Continue, nil
	}

	trimmed := strings.TrimSpace(string(ctx.Inbound.Body))
	if strings.HasPrefix(trimmed, "[") {
		ctx.Response = badRequest("batch JSON-RPC requests are not supported")
		return pipeline.Terminal, nil
	}

	var envelope struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(ctx.Inbound.Body, &envelope); err != nil {
		// Malformed JSON is Inspect's concern, not the gate's: let it
		// through so Inspect can produce the opaque-proxy fallback.
		return pipeline.Continue, nil
	}
	if envelope.Method != "" && len(envelope.ID) == 0 {
		ctx.Response = badRequest("JSON-RPC notifications are not supported on this endpoint")
		return pipeline.Terminal, nil
	}

	return pipeline.Continue, nil
}

func acceptsBoth(accept string, want ...string) bool {
	if accept == "" {
		return false
	}
	lower := strings.ToLower(accept)
	if strings.Contains(lower, "*/*") {
		return true
	}
	for _, w := range want {
		if !strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

func badRequest(message string) *pipeline.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &pipeline.Response{
		Status:  http.StatusBadRequest,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		NoStore: true,
	}
}
