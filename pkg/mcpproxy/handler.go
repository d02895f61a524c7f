package mcpproxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// gatewayHandler implements the gateway's external HTTP surface:
// /mcp/:publicId/*, methods GET, POST, DELETE.
type gatewayHandler struct {
	runner       *pipeline.Runner
	maxBodyBytes int64
}

func (h *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	publicID, subPath, ok := parseGatewayPath(r.URL.Path)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if h.maxBodyBytes > 0 {
			reader = io.LimitReader(r.Body, h.maxBodyBytes+1)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
			return
		}
		body = b
	}

	ctx := &pipeline.RequestContext{
		Ctx: r.Context(),
		Inbound: pipeline.Inbound{
			Method:   r.Method,
			URL:      r.URL,
			PublicID: publicID,
			SubPath:  subPath,
			Headers:  r.Header.Clone(),
			Body:     body,
		},
	}

	resp := h.runner.Run(ctx)
	mirror(w, resp)
}

func mirror(w http.ResponseWriter, resp *pipeline.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// parseGatewayPath splits "/mcp/:publicId/*" into (publicId, subPath, ok).
func parseGatewayPath(path string) (string, string, bool) {
	const prefix = "/mcp/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "", "", false
	}
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "", true
	}
	return rest[:idx], rest[idx+1:], true
}
