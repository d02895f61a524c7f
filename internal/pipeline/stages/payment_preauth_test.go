package stages

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/autosigner"
	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/identity"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

type fakeFacilitatorClient struct {
	verifyResult facilitator.VerifyResult
	verifyErr    error
	settleResult facilitator.SettleResult
	settleErr    error
	verifyCalls  int
}

func (f *fakeFacilitatorClient) Verify(paymentHeader string, requirements facilitator.Requirements) (facilitator.VerifyResult, error) {
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeFacilitatorClient) Settle(decoded facilitator.DecodedPayment, requirements facilitator.Requirements) (facilitator.SettleResult, error) {
	return f.settleResult, f.settleErr
}

type fakeAutoSigner struct {
	result  autosigner.Result
	err     error
	signed  int
}

func (f *fakeAutoSigner) Sign(payment autosigner.Payment, user *autosigner.UserRef) (autosigner.Result, error) {
	f.signed++
	return f.result, f.err
}

func testPricing() *storage.PricingEntry {
	return &storage.PricingEntry{
		ID:                   "price_1",
		MaxAmountRequiredRaw: "1000000",
		TokenDecimals:        6,
		Network:              "base",
		AssetAddress:         "0x0000000000000000000000000000000000c0c0",
		Active:               true,
	}
}

func validPaymentHeader(t *testing.T) string {
	t.Helper()
	header, err := facilitator.EncodePayment(facilitator.DecodedPayment{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base",
		EVM: &facilitator.EVMPayload{
			Signature: "0xsig",
			Authorization: facilitator.EVMAuthorization{
				From:        "0x00000000000000000000000000000000000f00",
				To:          "0x00000000000000000000000000000000000bae",
				Value:       "1000000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x01",
			},
		},
	})
	if err != nil {
		t.Fatalf("encode test payment: %v", err)
	}
	return header
}

func newPreAuthContext() *pipeline.RequestContext {
	return &pipeline.RequestContext{
		Ctx: context.Background(),
		Inbound: pipeline.Inbound{
			Headers: http.Header{},
		},
		ToolCall: &pipeline.ToolCall{
			ToolName: "summarize",
			IsPaid:   true,
			PayTo:    "0x00000000000000000000000000000000000bae",
		},
		PickedPricing: testPricing(),
	}
}

func TestPaymentPreAuth_AutoSignsForManagedWallet(t *testing.T) {
	client := &fakeFacilitatorClient{verifyResult: facilitator.VerifyResult{OK: true}}
	router := facilitator.NewRouter(nil)
	router.Register("base", client)

	header := validPaymentHeader(t)
	signer := &fakeAutoSigner{result: autosigner.Result{
		Success:             true,
		SignedPaymentHeader: header,
		WalletAddress:       "0x00000000000000000000000000000000000f00",
	}}

	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewPaymentPreAuth(router, signer, resolver)

	ctx := newPreAuthContext()
	ctx.WalletProvider = "coinbase-cdp"
	ctx.WalletType = "managed"

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signer.signed != 1 {
		t.Fatalf("expected auto-signer to be invoked once, got %d", signer.signed)
	}
	if ctx.Inbound.Headers.Get("X-PAYMENT") != header {
		t.Fatalf("expected signed header to be injected into inbound headers")
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue after a successful auto-sign and verify, got %v (response=%+v)", decision, ctx.Response)
	}
	if !ctx.Payment.Authorized {
		t.Fatalf("expected payment to be marked Authorized")
	}
	if client.verifyCalls != 1 {
		t.Fatalf("expected facilitator.Verify to be called once, got %d", client.verifyCalls)
	}
}

func TestPaymentPreAuth_MissingPaymentIs402WithAccepts(t *testing.T) {
	client := &fakeFacilitatorClient{verifyResult: facilitator.VerifyResult{OK: true}}
	router := facilitator.NewRouter(nil)
	router.Register("base", client)

	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewPaymentPreAuth(router, nil, resolver)

	ctx := newPreAuthContext()

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Terminal {
		t.Fatalf("expected Terminal when no X-PAYMENT header and no eligible auto-sign, got %v", decision)
	}
	if ctx.Response == nil || ctx.Response.Status != http.StatusPaymentRequired {
		t.Fatalf("expected a 402 response, got %+v", ctx.Response)
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body, &body); err != nil {
		t.Fatalf("response body is not JSON: %v", err)
	}
	accepts, ok := body["accepts"].([]any)
	if !ok || len(accepts) != 1 {
		t.Fatalf("expected one entry in accepts, got %+v", body["accepts"])
	}
	if client.verifyCalls != 0 {
		t.Fatalf("expected facilitator.Verify to never be called without a payment header")
	}
}

func TestPaymentPreAuth_VerifyFailureIs402(t *testing.T) {
	client := &fakeFacilitatorClient{verifyResult: facilitator.VerifyResult{OK: false}}
	router := facilitator.NewRouter(nil)
	router.Register("base", client)

	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewPaymentPreAuth(router, nil, resolver)

	ctx := newPreAuthContext()
	ctx.Inbound.Headers.Set("X-PAYMENT", validPaymentHeader(t))

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Terminal {
		t.Fatalf("expected Terminal on a failed verify, got %v", decision)
	}
	if ctx.Response == nil || ctx.Response.Status != http.StatusPaymentRequired {
		t.Fatalf("expected a 402 response, got %+v", ctx.Response)
	}
	if ctx.Payment.Authorized {
		t.Fatalf("payment must not be marked Authorized after a failed verify")
	}
	if client.verifyCalls != 1 {
		t.Fatalf("expected facilitator.Verify to be called once, got %d", client.verifyCalls)
	}
}

func TestPaymentPreAuth_VerifyErrorIs402(t *testing.T) {
	client := &fakeFacilitatorClient{verifyErr: errVerify}
	router := facilitator.NewRouter(nil)
	router.Register("base", client)

	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewPaymentPreAuth(router, nil, resolver)

	ctx := newPreAuthContext()
	ctx.Inbound.Headers.Set("X-PAYMENT", validPaymentHeader(t))

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected Go error returned from Run: %v", err)
	}
	if decision != pipeline.Terminal || ctx.Response == nil || ctx.Response.Status != http.StatusPaymentRequired {
		t.Fatalf("expected a 402 terminal response when the facilitator errors, got decision=%v response=%+v", decision, ctx.Response)
	}
}

func TestPaymentPreAuth_UnpaidToolCallSkipsStage(t *testing.T) {
	router := facilitator.NewRouter(nil)
	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewPaymentPreAuth(router, nil, resolver)

	ctx := &pipeline.RequestContext{
		Ctx:      context.Background(),
		ToolCall: &pipeline.ToolCall{ToolName: "free_tool", IsPaid: false},
	}

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue || ctx.Response != nil {
		t.Fatalf("expected an unpaid tool call to pass through untouched, got decision=%v response=%+v", decision, ctx.Response)
	}
}

var errVerify = &testError{"facilitator: rpc unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
