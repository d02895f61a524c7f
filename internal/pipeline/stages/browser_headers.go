package stages

import (
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

var hopByHopHeaders = []string{
	"proxy-authenticate", "proxy-authorization", "te", "trailer",
	"transfer-encoding", "upgrade", "cookie", "authorization",
}

var forwardedChainHeaders = []string{"forwarded", "x-real-ip"}

var blockedHeaderPrefixes = []string{"x-vercel-", "cf-", "x-forwarded-"}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// BrowserHeaders implements stage 5: strip hop-by-hop/infra headers from the
// inbound set and inject an upstream-facing identity.
type BrowserHeaders struct {
	publicURL string
	randomUA  func() string
}

// NewBrowserHeaders builds the BrowserHeaders stage. publicURL is used as
// both Referer and Origin for the upstream request.
func NewBrowserHeaders(publicURL string) *BrowserHeaders {
	return &BrowserHeaders{
		publicURL: publicURL,
		randomUA:  func() string { return userAgents[rand.Intn(len(userAgents))] },
	}
}

func (s *BrowserHeaders) Name() string { return "browser_headers" }

func (s *BrowserHeaders) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	out := make(http.Header, len(ctx.Inbound.Headers))
	for name, values := range ctx.Inbound.Headers {
		if shouldDropHeader(name) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	if ctx.ToolCall != nil && ctx.ToolCall.MCPOrigin != "" {
		if origin, err := url.Parse(ctx.ToolCall.MCPOrigin); err == nil {
			out.Set("Host", origin.Host)
		}
	}

	out.Set("User-Agent", s.randomUA())
	out.Set("Accept", "application/json, text/event-stream, text/plain, */*")
	out.Set("Accept-Language", "en-US,en;q=0.9")
	out.Set("Referer", s.publicURL)
	out.Set("Origin", s.publicURL)

	walletAddress := ""
	if ctx.User != nil {
		walletAddress = ctx.User.WalletAddress
	}
	out.Set("X-MCPay-Wallet-Address", walletAddress)

	if ctx.ToolCall != nil && ctx.ToolCall.RequireAuth {
		for name, value := range ctx.ToolCall.AuthHeaders {
			out.Set(name, value)
		}
	}

	ctx.Upstream = &pipeline.UpstreamRequest{
		Method: ctx.Inbound.Method,
		Header: out,
		Body:   ctx.Inbound.Body,
	}

	return pipeline.Continue, nil
}

func shouldDropHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range hopByHopHeaders {
		if lower == h {
			return true
		}
	}
	for _, h := range forwardedChainHeaders {
		if lower == h {
			return true
		}
	}
	if strings.HasPrefix(lower, "x-forwarded-") {
		return true
	}
	for _, p := range blockedHeaderPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
