package facilitator

import (
	"fmt"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/circuitbreaker"
)

// Router dispatches verify/settle calls to the Client registered for a
// payment's network, wrapping every call in the facilitator circuit
// breaker so a misbehaving chain RPC cannot cascade into the pipeline.
type Router struct {
	clients map[string]Client
	cb      *circuitbreaker.Manager
}

// NewRouter builds an empty Router. Register clients with Register.
func NewRouter(cb *circuitbreaker.Manager) *Router {
	return &Router{clients: make(map[string]Client), cb: cb}
}

// Register binds a Client to handle a given network identifier (e.g.
// "base", "base-sepolia", "solana", "solana-devnet").
func (r *Router) Register(network string, client Client) {
	r.clients[strings.ToLower(network)] = client
}

func (r *Router) clientFor(network string) (Client, error) {
	c, ok := r.clients[strings.ToLower(network)]
	if !ok {
		return nil, fmt.Errorf("facilitator: no client registered for network %q", network)
	}
	return c, nil
}

// Verify dispatches to the client for requirements.Network.
func (r *Router) Verify(paymentHeader string, requirements Requirements) (VerifyResult, error) {
	client, err := r.clientFor(requirements.Network)
	if err != nil {
		return VerifyResult{}, err
	}

	if r.cb == nil {
		return client.Verify(paymentHeader, requirements)
	}
	out, err := r.cb.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
		return client.Verify(paymentHeader, requirements)
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return out.(VerifyResult), nil
}

// Settle dispatches to the client for requirements.Network.
func (r *Router) Settle(decoded DecodedPayment, requirements Requirements) (SettleResult, error) {
	client, err := r.clientFor(requirements.Network)
	if err != nil {
		return SettleResult{}, err
	}

	if r.cb == nil {
		return client.Settle(decoded, requirements)
	}
	out, err := r.cb.Execute(circuitbreaker.ServiceFacilitator, func() (interface{}, error) {
		return client.Settle(decoded, requirements)
	})
	if err != nil {
		return SettleResult{}, err
	}
	return out.(SettleResult), nil
}
