package stages

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wtfsayo/mcpay-sub002/internal/autosigner"
	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/identity"
	"github.com/wtfsayo/mcpay-sub002/internal/money"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// networkChainID maps a pricing entry's network identifier to the EIP-712
// domain fields the auto-signer needs. Only networks the gateway actually
// settles on need an entry; unknown networks fail auto-sign gracefully.
var networkChainID = map[string]int64{
	"base":         8453,
	"base-sepolia": 84532,
}

const defaultEVMTokenName = "USD Coin"

// PaymentPreAuth implements stage 9: acquire or auto-sign a payment
// authorization for billable tool calls and verify it with the
// facilitator, without settling.
type PaymentPreAuth struct {
	facilitator *facilitator.Router
	autoSigner  autosigner.AutoSigner
	resolver    *identity.Resolver
	x402Version int
}

// NewPaymentPreAuth builds the PaymentPreAuth stage.
func NewPaymentPreAuth(router *facilitator.Router, signer autosigner.AutoSigner, resolver *identity.Resolver) *PaymentPreAuth {
	return &PaymentPreAuth{facilitator: router, autoSigner: signer, resolver: resolver, x402Version: 1}
}

func (s *PaymentPreAuth) Name() string { return "payment_preauth" }

func (s *PaymentPreAuth) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	if ctx.ToolCall == nil || !ctx.ToolCall.IsPaid || ctx.PickedPricing == nil || ctx.ToolCall.PayTo == "" {
		return pipeline.Continue, nil
	}

	pricing := ctx.PickedPricing
	header := ctx.Inbound.Headers.Get("X-PAYMENT")

	managedWallet := ctx.WalletProvider == "coinbase-cdp" && ctx.WalletType == "managed"
	hasAPIKey := ctx.AuthMethod == string(identity.AuthMethodAPIKey)

	if header == "" && s.autoSigner != nil && (managedWallet || hasAPIKey) {
		humanAmount, err := money.FormatRawAmount(pricing.MaxAmountRequiredRaw, pricing.TokenDecimals)
		if err == nil {
			var userRef *autosigner.UserRef
			if ctx.User != nil {
				userRef = &autosigner.UserRef{ID: ctx.User.ID}
			}
			result, signErr := s.autoSigner.Sign(autosigner.Payment{
				MaxAmountRequired: humanAmount,
				Network:           pricing.Network,
				Asset:             pricing.AssetAddress,
				PayTo:             ctx.ToolCall.PayTo,
				Resource:          fmt.Sprintf("mcpay://%s", ctx.ToolCall.ToolName),
				Description:       fmt.Sprintf("Execution of %s", ctx.ToolCall.ToolName),
				TokenDecimals:     pricing.TokenDecimals,
				ChainID:           networkChainID[pricing.Network],
				TokenName:         defaultEVMTokenName,
			}, userRef)
			if signErr == nil && result.Success {
				header = result.SignedPaymentHeader
				ctx.Inbound.Headers.Set("X-PAYMENT", header)
				if ctx.User == nil && result.WalletAddress != "" && s.resolver != nil {
					if id, ok := s.resolver.ResolveOrCreateByWallet(ctx.Ctx, result.WalletAddress); ok {
						ctx.User = &pipeline.User{ID: id.ID, WalletAddress: id.WalletAddress, Email: id.Email, DisplayName: id.DisplayName}
					}
				}
			}
		}
	}

	humanAmount, err := money.FormatRawAmount(pricing.MaxAmountRequiredRaw, pricing.TokenDecimals)
	if err != nil {
		ctx.Response = paymentFailed(s.x402Version, err.Error(), nil)
		return pipeline.Terminal, nil
	}

	requirements := facilitator.Requirements{
		Scheme:            "exact",
		Network:           pricing.Network,
		Resource:          fmt.Sprintf("mcpay://%s", ctx.ToolCall.ToolName),
		Description:       fmt.Sprintf("Execution of %s", ctx.ToolCall.ToolName),
		PayTo:             ctx.ToolCall.PayTo,
		MaxAmountRequired: humanAmount,
		Asset:             pricing.AssetAddress,
		X402Version:       s.x402Version,
	}
	ctx.Payment.Requirements = []facilitator.Requirements{requirements}

	if header == "" {
		ctx.Response = paymentFailed(s.x402Version, "payment required", ctx.Payment.Requirements)
		return pipeline.Terminal, nil
	}

	decoded, err := facilitator.DecodePayment(header)
	if err != nil {
		ctx.Response = paymentFailed(s.x402Version, err.Error(), ctx.Payment.Requirements)
		return pipeline.Terminal, nil
	}
	ctx.Payment.Header = header
	ctx.Payment.Decoded = &decoded

	if ctx.User == nil && decoded.EVM != nil && decoded.EVM.Authorization.From != "" && s.resolver != nil {
		if id, ok := s.resolver.ResolveOrCreateByWallet(ctx.Ctx, decoded.EVM.Authorization.From); ok {
			ctx.User = &pipeline.User{ID: id.ID, WalletAddress: id.WalletAddress, Email: id.Email, DisplayName: id.DisplayName}
		}
	}

	result, err := s.facilitator.Verify(header, requirements)
	if err != nil {
		ctx.Response = paymentFailed(s.x402Version, err.Error(), ctx.Payment.Requirements)
		return pipeline.Terminal, nil
	}
	if result.Terminal != nil {
		h := http.Header{}
		for k, v := range result.Terminal.Header {
			h.Set(k, v)
		}
		ctx.Response = &pipeline.Response{Status: result.Terminal.Status, Header: h, Body: result.Terminal.Body, NoStore: true}
		return pipeline.Terminal, nil
	}
	if !result.OK {
		ctx.Response = paymentFailed(s.x402Version, "payment verification failed", ctx.Payment.Requirements)
		return pipeline.Terminal, nil
	}

	ctx.Payment.Authorized = true
	return pipeline.Continue, nil
}

func paymentFailed(x402Version int, errMsg string, accepts []facilitator.Requirements) *pipeline.Response {
	body, _ := json.Marshal(map[string]any{
		"x402Version": x402Version,
		"error":       errMsg,
		"accepts":     accepts,
	})
	return &pipeline.Response{
		Status:  http.StatusPaymentRequired,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		NoStore: true,
	}
}
