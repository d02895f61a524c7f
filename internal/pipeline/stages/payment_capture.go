package stages

import (
	"encoding/json"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/observability"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

// Capture failure policies, configurable via Pipeline.PaymentCapturePolicy.
const (
	CapturePolicyFailClosed   = "failClosed"
	CapturePolicyFailOpen     = "failOpen"
	CapturePolicyQueueForRetry = "queueForRetry"
)

// PaymentCapture implements stage 13: settle a pre-authorized payment only
// after the upstream call has succeeded, so upstream failures never result
// in a charge.
type PaymentCapture struct {
	facilitator *facilitator.Router
	store       storage.GatewayStore
	policy      string
	hooks       *observability.Registry
}

// SetHooks attaches an observability registry. When set, a successful
// settlement is reported through the registry's hooks in addition to the
// payment record PaymentCapture already writes.
func (s *PaymentCapture) SetHooks(hooks *observability.Registry) {
	s.hooks = hooks
}

// NewPaymentCapture builds the PaymentCapture stage. An empty or unknown
// policy falls back to CapturePolicyFailClosed.
func NewPaymentCapture(router *facilitator.Router, store storage.GatewayStore, policy string) *PaymentCapture {
	switch policy {
	case CapturePolicyFailOpen, CapturePolicyQueueForRetry:
	default:
		policy = CapturePolicyFailClosed
	}
	return &PaymentCapture{facilitator: router, store: store, policy: policy}
}

func (s *PaymentCapture) Name() string { return "payment_capture" }

func (s *PaymentCapture) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if !ctx.Payment.Authorized {
		return pipeline.Continue, nil
	}
	if ctx.UpstreamResult == nil || ctx.UpstreamResult.FromCache || ctx.UpstreamResult.Status >= 500 {
		return pipeline.Continue, nil
	}
	if ctx.Payment.Decoded == nil || len(ctx.Payment.Requirements) == 0 {
		return pipeline.Continue, nil
	}

	requirements := ctx.Payment.Requirements[0]

	result, err := s.facilitator.Settle(*ctx.Payment.Decoded, requirements)
	if err != nil {
		return s.handleCaptureFailure(ctx, err.Error())
	}
	if !result.Success {
		return s.handleCaptureFailure(ctx, result.ErrorReason)
	}

	ctx.Payment.Captured = true
	ctx.Payment.SettlementTx = result.Transaction

	encodedResponse, encodeErr := encodeSettlement(result)
	if encodeErr == nil {
		ctx.Payment.SettlementResponse = encodedResponse
	}

	if ctx.ToolCall != nil && s.store != nil {
		var userID string
		if ctx.User != nil {
			userID = ctx.User.ID
		}
		paymentData := map[string]any{
			"decoded":        ctx.Payment.Decoded,
			"settleResponse": result,
			"pricingInfo":    ctx.PickedPricing,
		}
		_, _ = s.store.CreatePayment(ctx.Ctx, storage.CreatePaymentInput{
			ToolID:          ctx.ToolCall.ToolID,
			UserID:          userID,
			AmountRaw:       ctx.PickedPricing.MaxAmountRequiredRaw,
			TokenDecimals:   ctx.PickedPricing.TokenDecimals,
			Currency:        requirements.Asset,
			Network:         requirements.Network,
			TransactionHash: result.Transaction,
			Status:          "completed",
			Signature:       ctx.Payment.Header,
			PaymentData:     paymentData,
		})
	}

	if s.hooks != nil {
		var duration time.Duration
		if !ctx.StartedAt.IsZero() {
			duration = time.Since(ctx.StartedAt)
		}
		var toolID string
		if ctx.ToolCall != nil {
			toolID = ctx.ToolCall.ToolID
		}
		s.hooks.EmitPaymentSettled(ctx.Ctx, observability.PaymentSettledEvent{
			Timestamp:          time.Now(),
			PaymentID:          ctx.Payment.Header,
			Network:            requirements.Network,
			TransactionID:      result.Transaction,
			SettlementDuration: duration,
		})
		s.hooks.EmitPaymentCompleted(ctx.Ctx, observability.PaymentCompletedEvent{
			Timestamp:     time.Now(),
			PaymentID:     ctx.Payment.Header,
			Method:        "x402",
			ResourceID:    toolID,
			Success:       true,
			Duration:      duration,
			TransactionID: result.Transaction,
		})
	}

	return pipeline.Continue, nil
}

// handleCaptureFailure applies the configured capture policy once settlement
// has failed after a successful upstream call: failClosed surfaces an error
// to the client (upstream response is discarded, matching spec: capture
// errors never mirror the upstream body), failOpen lets Mirror serve the
// already-fetched upstream response unpaid, and queueForRetry additionally
// persists the payment for a later out-of-process retry.
func (s *PaymentCapture) handleCaptureFailure(ctx *pipeline.RequestContext, reason string) (pipeline.Decision, error) {
	s.recordFailedCapture(ctx, reason)
	ctx.Payment.CaptureFailed = true
	ctx.Payment.CaptureFailReason = reason

	if s.policy == CapturePolicyQueueForRetry && s.store != nil {
		requirementsJSON, _ := json.Marshal(ctx.Payment.Requirements)
		var userID string
		if ctx.User != nil {
			userID = ctx.User.ID
		}
		var toolID string
		if ctx.ToolCall != nil {
			toolID = ctx.ToolCall.ToolID
		}
		_ = s.store.QueueCaptureRetry(ctx.Ctx, storage.QueueCaptureRetryInput{
			ToolID:           toolID,
			UserID:           userID,
			PaymentHeader:    ctx.Payment.Header,
			RequirementsJSON: string(requirementsJSON),
			Reason:           reason,
		})
	}

	if s.policy == CapturePolicyFailOpen || s.policy == CapturePolicyQueueForRetry {
		return pipeline.Continue, nil
	}

	ctx.Response = paymentFailed(1, reason, ctx.Payment.Requirements)
	return pipeline.Terminal, nil
}

func (s *PaymentCapture) recordFailedCapture(ctx *pipeline.RequestContext, reason string) {
	if ctx.ToolCall == nil || s.store == nil {
		return
	}
	var userID string
	if ctx.User != nil {
		userID = ctx.User.ID
	}
	_, _ = s.store.CreatePayment(ctx.Ctx, storage.CreatePaymentInput{
		ToolID:        ctx.ToolCall.ToolID,
		UserID:        userID,
		AmountRaw:     "0",
		TokenDecimals: 0,
		Status:        "failed",
		Signature:     ctx.Payment.Header,
		PaymentData:   map[string]any{"error": reason},
	})
}

func encodeSettlement(result facilitator.SettleResult) (string, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
