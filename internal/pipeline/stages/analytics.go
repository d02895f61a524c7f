package stages

import (
	"fmt"

	"github.com/wtfsayo/mcpay-sub002/internal/analytics"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// Analytics implements stage 14: record one tool-usage event per request.
// Never fails the response: recording errors are swallowed by the
// recorder itself.
type Analytics struct {
	recorder *analytics.Recorder
}

// NewAnalytics builds the Analytics stage.
func NewAnalytics(recorder *analytics.Recorder) *Analytics {
	return &Analytics{recorder: recorder}
}

func (s *Analytics) Name() string { return "analytics" }

func (s *Analytics) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.ToolCall == nil || ctx.ToolCall.ToolID == "" || s.recorder == nil {
		return pipeline.Continue, nil
	}

	status := "payment_failed"
	var upstreamBody []byte
	isJSON := false
	if ctx.UpstreamResult != nil {
		status = fmt.Sprintf("%d", ctx.UpstreamResult.Status)
		upstreamBody = ctx.UpstreamResult.Body
		isJSON = isJSONContentType(ctx.UpstreamResult.Header.Get("Content-Type"))
	}
	if ctx.Payment.CaptureFailed {
		status = "capture_failed"
	}

	var userID string
	if ctx.User != nil {
		userID = ctx.User.ID
	}

	s.recorder.Record(ctx.Ctx, analytics.Event{
		ToolID:         ctx.ToolCall.ToolID,
		UserID:         userID,
		ResponseStatus: status,
		StartedAt:      ctx.StartedAt,
		ToolName:       ctx.ToolCall.ToolName,
		Args:           ctx.ToolCall.Args,
		AuthMethod:     ctx.AuthMethod,
		RequestHeaders: ctx.Inbound.Headers,
		UserAgent:      ctx.Inbound.Headers.Get("User-Agent"),
		UpstreamBody:   upstreamBody,
		UpstreamIsJSON: isJSON,
	})

	return pipeline.Continue, nil
}
