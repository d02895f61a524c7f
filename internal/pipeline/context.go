// Package pipeline implements the gateway's per-request processing
// pipeline: a fixed, ordered list of stages operating on a single mutable
// RequestContext, exclusively owned by the request's goroutine for its
// lifetime.
package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/facilitator"
	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

// Inbound is the immutable snapshot of the request as it arrived, captured
// once at pipeline entry.
type Inbound struct {
	Method   string
	URL      *url.URL
	PublicID string // parsed from /mcp/:publicId/...
	SubPath  string // remainder of the path after the publicId segment
	Headers  http.Header
	Body     []byte
}

// User is the resolved caller identity, mirroring identity.Identity without
// creating a dependency from pipeline on the identity package's types.
type User struct {
	ID            string
	WalletAddress string
	Email         string
	DisplayName   string
}

// ToolCall is the parsed JSON-RPC tools/call intent, once Inspect succeeds.
type ToolCall struct {
	ServerPublicID   string
	ToolName         string
	Args             any
	ServerInternalID string
	ToolID           string
	IsPaid           bool
	PayTo            string
	Pricing          []storage.PricingEntry

	// Resolved server config, carried from Inspect through to BrowserHeaders
	// and Forward.
	MCPOrigin   string
	RequireAuth bool
	AuthHeaders map[string]string
}

// UpstreamRequest is the fully-built request Forward hands to RateLimit,
// PaymentPreAuth, Retry and Upstream. No network call has happened yet.
type UpstreamRequest struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// PaymentState tracks the two-phase payment subsystem's progress through a
// single request.
type PaymentState struct {
	Header              string // raw X-PAYMENT value, possibly injected by auto-sign
	Decoded             *facilitator.DecodedPayment
	Requirements        []facilitator.Requirements
	Authorized          bool
	Captured            bool
	SettlementResponse  string // facilitator-provided encoded settlement response
	SettlementTx        string

	// CaptureFailed and CaptureFailReason are set when settlement failed
	// after a successful upstream call, under every capture policy, so
	// Analytics can flag the row for reconciliation. failOpen and
	// queueForRetry then still let the upstream response through.
	CaptureFailed     bool
	CaptureFailReason string
}

// Response is a terminal result a stage may short-circuit with. It is
// mirrored to the client verbatim by the runner.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	NoStore bool // true for internally-synthesized responses (402/500/etc.), never cached
}

// UpstreamResult is populated by the Upstream stage once a response (or the
// last of its retries) comes back, feeding CacheWrite, PaymentCapture and
// Analytics.
type UpstreamResult struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// RequestContext is threaded through every stage in declared order. Stages
// mutate it in place; the runner does not copy it between stages.
type RequestContext struct {
	// Ctx is the request-scoped cancellation token, propagated to every
	// stage that suspends (store queries, rate-limit waits, upstream
	// fetch, facilitator and auto-signer RPCs). Set once at pipeline
	// entry; never replaced by a stage.
	Ctx context.Context

	Inbound    Inbound
	StartedAt  time.Time
	User       *User
	AuthMethod string // api_key | session | wallet_header | none

	ToolCall      *ToolCall
	PickedPricing *storage.PricingEntry

	Upstream *UpstreamRequest
	CacheKey string

	Payment PaymentState

	UpstreamResult *UpstreamResult
	Response       *Response

	// WalletProvider/WalletType carry the X-Wallet-Provider/X-Wallet-Type
	// signal used to gate auto-sign eligibility.
	WalletProvider string
	WalletType     string
}

// Terminal reports whether a prior stage has already produced a response.
func (c *RequestContext) Terminal() bool {
	return c.Response != nil
}
