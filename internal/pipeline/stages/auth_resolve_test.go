package stages

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/wtfsayo/mcpay-sub002/internal/identity"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

func newAuthResolveContext(t *testing.T) *pipeline.RequestContext {
	t.Helper()
	inboundURL, err := url.Parse("/mcp/srv1/rpc")
	if err != nil {
		t.Fatalf("parse test URL: %v", err)
	}
	return &pipeline.RequestContext{
		Ctx: context.Background(),
		Inbound: pipeline.Inbound{
			Method:  http.MethodPost,
			URL:     inboundURL,
			Headers: http.Header{},
			Body:    []byte(`{}`),
		},
	}
}

func TestAuthResolve_APIKeyHeaderResolvesUser(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	store.SeedAPIKey(identity.HashAPIKey("sk_live_abc"), storage.APIKey{
		KeyHash: identity.HashAPIKey("sk_live_abc"),
		UserID:  "user_1",
		Label:   "test",
	}, storage.User{ID: "user_1", DisplayName: "Ada"})

	resolver := identity.New(store, nil)
	stage := NewAuthResolve(resolver)

	ctx := newAuthResolveContext(t)
	ctx.Inbound.Headers.Set("X-API-KEY", "sk_live_abc")

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue, got %v", decision)
	}
	if ctx.AuthMethod != string(identity.AuthMethodAPIKey) {
		t.Fatalf("expected api_key auth method, got %q", ctx.AuthMethod)
	}
	if ctx.User == nil || ctx.User.ID != "user_1" {
		t.Fatalf("expected user_1 resolved, got %+v", ctx.User)
	}
}

func TestAuthResolve_WalletHeaderResolvesUser(t *testing.T) {
	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewAuthResolve(resolver)

	ctx := newAuthResolveContext(t)
	ctx.Inbound.Headers.Set("X-Wallet-Address", "0x00000000000000000000000000000000001234")
	ctx.Inbound.Headers.Set("X-Wallet-Provider", "coinbase-cdp")
	ctx.Inbound.Headers.Set("X-Wallet-Type", "managed")

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue, got %v", decision)
	}
	if ctx.AuthMethod != string(identity.AuthMethodWalletHeader) {
		t.Fatalf("expected wallet_header auth method, got %q", ctx.AuthMethod)
	}
	if ctx.User == nil || ctx.User.WalletAddress != "0x00000000000000000000000000000000001234" {
		t.Fatalf("expected wallet-bound user, got %+v", ctx.User)
	}
	if ctx.WalletProvider != "coinbase-cdp" || ctx.WalletType != "managed" {
		t.Fatalf("expected wallet provider/type carried through, got %q/%q", ctx.WalletProvider, ctx.WalletType)
	}
}

func TestAuthResolve_NoCredentialsLeavesNoneAndNilUser(t *testing.T) {
	resolver := identity.New(storage.NewMemoryGatewayStore(), nil)
	stage := NewAuthResolve(resolver)

	ctx := newAuthResolveContext(t)

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue even with no credentials (opaque proxy semantics), got %v", decision)
	}
	if ctx.AuthMethod != string(identity.AuthMethodNone) {
		t.Fatalf("expected none auth method, got %q", ctx.AuthMethod)
	}
	if ctx.User != nil {
		t.Fatalf("expected no user resolved, got %+v", ctx.User)
	}
}

func TestAuthResolve_APIKeyInBodyIsResolved(t *testing.T) {
	store := storage.NewMemoryGatewayStore()
	store.SeedAPIKey(identity.HashAPIKey("sk_live_body"), storage.APIKey{
		KeyHash: identity.HashAPIKey("sk_live_body"),
		UserID:  "user_2",
		Label:   "test",
	}, storage.User{ID: "user_2", DisplayName: "Grace"})

	resolver := identity.New(store, nil)
	stage := NewAuthResolve(resolver)

	ctx := newAuthResolveContext(t)
	ctx.Inbound.Body = []byte(`{"api_key":"sk_live_body"}`)

	decision, err := stage.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != pipeline.Continue {
		t.Fatalf("expected Continue, got %v", decision)
	}
	if ctx.User == nil || ctx.User.ID != "user_2" {
		t.Fatalf("expected user_2 resolved from body api_key, got %+v", ctx.User)
	}
}
