package stages

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// Forward implements stage 6: build the upstream URL from the inbound
// request and the resolved server's mcpOrigin. No network call happens
// here.
type Forward struct{}

// NewForward builds the Forward stage.
func NewForward() *Forward { return &Forward{} }

func (s *Forward) Name() string { return "forward" }

func (s *Forward) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.ToolCall == nil || ctx.ToolCall.MCPOrigin == "" {
		ctx.Response = notFound("unknown server")
		return pipeline.Terminal, nil
	}

	origin, err := url.Parse(ctx.ToolCall.MCPOrigin)
	if err != nil {
		ctx.Response = notFound("server origin is not a valid URL")
		return pipeline.Terminal, nil
	}

	upstream := *ctx.Inbound.URL
	upstream.Scheme = origin.Scheme
	upstream.Host = origin.Host
	upstream.Path = joinPath(origin.Path, ctx.Inbound.SubPath)

	merged := upstream.Query()
	for k, vs := range origin.Query() {
		merged[k] = vs
	}
	upstream.RawQuery = merged.Encode()

	if ctx.Upstream == nil {
		ctx.Upstream = &pipeline.UpstreamRequest{Method: ctx.Inbound.Method, Header: ctx.Inbound.Headers, Body: ctx.Inbound.Body}
	}
	ctx.Upstream.URL = upstream.String()

	return pipeline.Continue, nil
}

func joinPath(base, sub string) string {
	base = strings.TrimSuffix(base, "/")
	sub = strings.TrimPrefix(sub, "/")
	if sub == "" {
		return base
	}
	return base + "/" + sub
}

func notFound(message string) *pipeline.Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &pipeline.Response{
		Status:  http.StatusNotFound,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		NoStore: true,
	}
}
