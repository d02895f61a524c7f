package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

// Inspect implements stage 4: parse the JSON-RPC tools/call body if
// present, resolve the server and tool, and select the billable pricing
// entry.
type Inspect struct {
	store        storage.GatewayStore
	maxBodyBytes int
}

// NewInspect builds the Inspect stage.
func NewInspect(store storage.GatewayStore, maxBodyBytes int) *Inspect {
	return &Inspect{store: store, maxBodyBytes: maxBodyBytes}
}

func (s *Inspect) Name() string { return "inspect" }

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	} `json:"params"`
}

func (s *Inspect) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if s.maxBodyBytes > 0 && len(ctx.Inbound.Body) > s.maxBodyBytes {
		ctx.Response = tooLarge()
		return pipeline.Terminal, nil
	}

	server, err := s.store.GetServerByPublicID(ctx.Ctx, ctx.Inbound.PublicID)
	if err != nil || server == nil {
		// Unknown publicId: continue without a toolCall; Forward will fail
		// with 404 since it has no mcpOrigin to build from.
		return pipeline.Continue, nil
	}

	toolCall := &pipeline.ToolCall{
		ServerPublicID:   ctx.Inbound.PublicID,
		ServerInternalID: server.InternalID,
		MCPOrigin:        server.MCPOrigin,
		RequireAuth:      server.RequireAuth,
		AuthHeaders:      server.AuthHeaders,
	}

	if ctx.Inbound.Method == http.MethodPost && isJSONContentType(ctx.Inbound.Headers.Get("Content-Type")) && len(ctx.Inbound.Body) > 0 {
		var rpc jsonRPCRequest
		if err := json.Unmarshal(ctx.Inbound.Body, &rpc); err == nil && rpc.Method == "tools/call" {
			toolCall.ToolName = rpc.Params.Name
			toolCall.Args = rpc.Params.Arguments

			if tool, ok := s.findTool(ctx.Ctx, server.InternalID, toolCall.ToolName); ok {
				toolCall.ToolID = tool.ID
				toolCall.Pricing = tool.Pricing
				if picked := pickPricing(tool.Pricing); picked != nil {
					ctx.PickedPricing = picked
					toolCall.IsPaid = true
					if server.ReceiverAddress != "" {
						toolCall.PayTo = server.ReceiverAddress
					}
				}
			}
		}
	}

	ctx.ToolCall = toolCall
	return pipeline.Continue, nil
}

func (s *Inspect) findTool(ctx context.Context, serverInternalID, name string) (storage.Tool, bool) {
	tools, err := s.store.ListToolsByServer(ctx, serverInternalID)
	if err != nil {
		return storage.Tool{}, false
	}
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return storage.Tool{}, false
}

// pickPricing applies the "active, mainnet > first active" selection rule.
func pickPricing(entries []storage.PricingEntry) *storage.PricingEntry {
	var active []storage.PricingEntry
	for _, e := range entries {
		if e.Active {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return nil
	}
	for i := range active {
		if active[i].Network == "base" {
			return &active[i]
		}
	}
	return &active[0]
}

func isJSONContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(ct), "application/json")
}

func tooLarge() *pipeline.Response {
	body, _ := json.Marshal(map[string]string{"error": "request body exceeds configured maximum"})
	return &pipeline.Response{
		Status:  http.StatusRequestEntityTooLarge,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		NoStore: true,
	}
}
