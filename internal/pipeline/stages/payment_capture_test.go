package stages

import (
	"context"
	"net/http"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

type fakeSettleClient struct {
	result facilitator.SettleResult
	err    error
}

func (f *fakeSettleClient) Verify(string, facilitator.Requirements) (facilitator.VerifyResult, error) {
	return facilitator.VerifyResult{OK: true}, nil
}

func (f *fakeSettleClient) Settle(facilitator.DecodedPayment, facilitator.Requirements) (facilitator.SettleResult, error) {
	return f.result, f.err
}

func newCaptureContext() *pipeline.RequestContext {
	ctx := &pipeline.RequestContext{
		Ctx:      context.Background(),
		ToolCall: &pipeline.ToolCall{ToolID: "tool-1"},
		PickedPricing: &storage.PricingEntry{
			MaxAmountRequiredRaw: "1000",
			TokenDecimals:        6,
		},
		UpstreamResult: &pipeline.UpstreamResult{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")},
	}
	ctx.Payment.Authorized = true
	ctx.Payment.Decoded = &facilitator.DecodedPayment{Scheme: "exact", Network: "base"}
	ctx.Payment.Requirements = []facilitator.Requirements{{Network: "base", Asset: "USDC"}}
	return ctx
}

func TestPaymentCapture_SuccessSettlesAndRecordsPayment(t *testing.T) {
	router := facilitator.NewRouter(nil)
	router.Register("base", &fakeSettleClient{result: facilitator.SettleResult{Success: true, Transaction: "0xabc"}})

	store := storage.NewMemoryGatewayStore()
	stage := NewPaymentCapture(router, store, "")

	ctx := newCaptureContext()
	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue on success, got %v", decision)
	}
	if !ctx.Payment.Captured || ctx.Payment.SettlementTx != "0xabc" {
		t.Fatalf("expected settlement to be recorded, got %+v", ctx.Payment)
	}
	if ctx.Payment.SettlementResponse == "" {
		t.Fatalf("expected an encoded settlement response")
	}
}

func TestPaymentCapture_FailClosedTerminatesWith402(t *testing.T) {
	router := facilitator.NewRouter(nil)
	router.Register("base", &fakeSettleClient{result: facilitator.SettleResult{Success: false, ErrorReason: "insufficient_funds"}})

	store := storage.NewMemoryGatewayStore()
	stage := NewPaymentCapture(router, store, CapturePolicyFailClosed)

	ctx := newCaptureContext()
	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Terminal {
		t.Fatalf("expected Terminal under failClosed, got %v", decision)
	}
	if ctx.Response == nil || ctx.Response.Status != http.StatusPaymentRequired {
		t.Fatalf("expected a 402 response, got %+v", ctx.Response)
	}
	if !ctx.Payment.CaptureFailed {
		t.Fatalf("expected CaptureFailed to be set for analytics")
	}
}

func TestPaymentCapture_FailOpenLetsMirrorServeUpstreamResponse(t *testing.T) {
	router := facilitator.NewRouter(nil)
	router.Register("base", &fakeSettleClient{result: facilitator.SettleResult{Success: false, ErrorReason: "settlement_timeout"}})

	store := storage.NewMemoryGatewayStore()
	stage := NewPaymentCapture(router, store, CapturePolicyFailOpen)

	ctx := newCaptureContext()
	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue under failOpen so Mirror can still run, got %v", decision)
	}
	if ctx.Response != nil {
		t.Fatalf("expected failOpen to leave Response unset for Mirror to build")
	}
	if !ctx.Payment.CaptureFailed {
		t.Fatalf("expected CaptureFailed to be set for analytics")
	}
}

func TestPaymentCapture_QueueForRetryPersistsAndContinues(t *testing.T) {
	router := facilitator.NewRouter(nil)
	router.Register("base", &fakeSettleClient{err: context.DeadlineExceeded})

	store := storage.NewMemoryGatewayStore()
	stage := NewPaymentCapture(router, store, CapturePolicyQueueForRetry)

	ctx := newCaptureContext()
	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue under queueForRetry, got %v", decision)
	}
	if !ctx.Payment.CaptureFailed {
		t.Fatalf("expected CaptureFailed to be set")
	}
}

func TestPaymentCapture_NotAuthorizedIsNoop(t *testing.T) {
	router := facilitator.NewRouter(nil)
	stage := NewPaymentCapture(router, storage.NewMemoryGatewayStore(), "")

	ctx := newCaptureContext()
	ctx.Payment.Authorized = false

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue || ctx.Payment.Captured {
		t.Fatalf("expected a no-op when payment was never authorized")
	}
}
