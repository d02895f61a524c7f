package stages

import (
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// Mirror converts the buffered UpstreamResult into the client-facing
// Response, copying status/headers/body verbatim and attaching
// X-PAYMENT-RESPONSE when PaymentCapture settled. Runs after
// PaymentCapture so the settlement header is available, and before
// Analytics so analytics sees the final response status.
type Mirror struct{}

// NewMirror builds the Mirror stage.
func NewMirror() *Mirror { return &Mirror{} }

func (s *Mirror) Name() string { return "mirror" }

func (s *Mirror) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.UpstreamResult == nil {
		return pipeline.Continue, nil
	}

	header := ctx.UpstreamResult.Header.Clone()
	if ctx.Payment.SettlementResponse != "" {
		header.Set("X-PAYMENT-RESPONSE", ctx.Payment.SettlementResponse)
	}

	ctx.Response = &pipeline.Response{
		Status: ctx.UpstreamResult.Status,
		Header: header,
		Body:   ctx.UpstreamResult.Body,
	}
	return pipeline.Continue, nil
}
