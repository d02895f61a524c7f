package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountGateway attaches the MCP tool-call pipeline handler at /mcp/*,
// inheriting whatever middleware chain ConfigureGatewayMiddleware already
// installed on router (CORS, security headers, structured logging, API key
// tiers, inbound rate limiting). Call after ConfigureGatewayMiddleware.
func MountGateway(router chi.Router, handler http.Handler) {
	if router == nil || handler == nil {
		return
	}
	router.Mount("/mcp", handler)
}
