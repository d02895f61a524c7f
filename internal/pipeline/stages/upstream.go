package stages

import (
	"bytes"
	"io"
	"net/http"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/upstream"
)

// Upstream implements stages 10-11: issue the upstream request (wrapped in
// 429-only exponential backoff by the underlying client) and buffer the
// response for mirroring. A no-op if the response already came from cache.
type Upstream struct {
	client *upstream.Client
}

// NewUpstream builds the Upstream stage.
func NewUpstream(client *upstream.Client) *Upstream {
	return &Upstream{client: client}
}

func (s *Upstream) Name() string { return "upstream" }

func (s *Upstream) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.UpstreamResult != nil {
		return pipeline.Continue, nil
	}
	if ctx.Upstream == nil || ctx.Upstream.URL == "" {
		ctx.Response = notFound("no upstream request built")
		return pipeline.Terminal, nil
	}

	req, err := http.NewRequestWithContext(ctx.Ctx, ctx.Upstream.Method, ctx.Upstream.URL, bytes.NewReader(ctx.Upstream.Body))
	if err != nil {
		return pipeline.Continue, err
	}
	req.Header = ctx.Upstream.Header.Clone()
	if len(ctx.Upstream.Body) > 0 {
		body := ctx.Upstream.Body
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := s.client.Do(ctx.Ctx, req)
	if err != nil {
		return pipeline.Continue, err
	}

	ctx.UpstreamResult = &pipeline.UpstreamResult{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header,
		Body:       resp.Body,
	}
	return pipeline.Continue, nil
}
