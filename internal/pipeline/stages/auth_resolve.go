// Package stages implements the fourteen gateway pipeline stages as
// pipeline.Stage values, each a thin adapter over its leaf collaborator
// (identity resolver, store, cache, rate table, upstream client,
// facilitator router, auto-signer, analytics recorder).
package stages

import (
	"net/http"

	"github.com/wtfsayo/mcpay-sub002/internal/identity"
	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// AuthResolve implements stage 1: resolve caller identity and auth method.
type AuthResolve struct {
	resolver *identity.Resolver
}

// NewAuthResolve builds the AuthResolve stage.
func NewAuthResolve(resolver *identity.Resolver) *AuthResolve {
	return &AuthResolve{resolver: resolver}
}

func (s *AuthResolve) Name() string { return "auth_resolve" }

func (s *AuthResolve) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	req, err := http.NewRequest(ctx.Inbound.Method, ctx.Inbound.URL.String(), nil)
	if err != nil {
		return pipeline.Continue, nil
	}
	req.Header = ctx.Inbound.Headers

	var parsedBody map[string]any
	// Inspect has not run yet; AuthResolve only needs a best-effort body
	// field lookup for api_key, so a raw JSON object probe is enough here.
	if len(ctx.Inbound.Body) > 0 {
		parsedBody = tryParseJSONObject(ctx.Inbound.Body)
	}

	id, method := s.resolver.Resolve(ctx.Ctx, req, parsedBody)
	ctx.AuthMethod = string(method)
	if id != nil {
		ctx.User = &pipeline.User{
			ID:            id.ID,
			WalletAddress: id.WalletAddress,
			Email:         id.Email,
			DisplayName:   id.DisplayName,
		}
	}

	ctx.WalletProvider = ctx.Inbound.Headers.Get("X-Wallet-Provider")
	ctx.WalletType = ctx.Inbound.Headers.Get("X-Wallet-Type")

	return pipeline.Continue, nil
}
