// Package analytics fire-and-forget records one usage row per gateway
// request. Recording never blocks or fails the HTTP reply: a store error
// is logged and dropped.
package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wtfsayo/mcpay-sub002/internal/storage"
)

// Event is the input to Record, filled in by the pipeline at its final
// stage from the completed RequestContext.
type Event struct {
	ToolID          string
	UserID          string
	ResponseStatus  string // upstream status as string, or "payment_failed"
	StartedAt       time.Time
	ToolName        string
	Args            any
	AuthMethod      string
	RequestHeaders  http.Header
	UserAgent       string
	UpstreamBody    []byte
	UpstreamIsJSON  bool
}

// Recorder persists Events through a GatewayStore, best-effort.
type Recorder struct {
	store  storage.GatewayStore
	logger zerolog.Logger
}

// New builds a Recorder.
func New(store storage.GatewayStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With().Str("component", "analytics").Logger()}
}

// Record persists one ToolUsage row for ev. It never blocks the caller
// beyond issuing the store call; callers that want strict fire-and-forget
// semantics should invoke Record in its own goroutine.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	requestData := map[string]any{
		"toolName":   ev.ToolName,
		"args":       ev.Args,
		"authMethod": ev.AuthMethod,
	}

	var result map[string]any
	if ev.UpstreamIsJSON && len(ev.UpstreamBody) > 0 {
		var parsed any
		if err := json.Unmarshal(ev.UpstreamBody, &parsed); err == nil {
			if obj, ok := parsed.(map[string]any); ok {
				result = obj
			} else {
				result = map[string]any{"response": parsed}
			}
		}
	}
	if result == nil && len(ev.UpstreamBody) > 0 {
		result = map[string]any{"response": string(ev.UpstreamBody)}
	}

	err := r.store.RecordToolUsage(ctx, storage.RecordToolUsageInput{
		ToolID:          ev.ToolID,
		UserID:          ev.UserID,
		ResponseStatus:  ev.ResponseStatus,
		ExecutionTimeMs: time.Since(ev.StartedAt).Milliseconds(),
		IPAddress:       ipFromHeaders(ev.RequestHeaders),
		UserAgent:       ev.UserAgent,
		RequestData:     requestData,
		Result:          result,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("tool_id", ev.ToolID).Msg("failed to record tool usage")
	}
}

func ipFromHeaders(h http.Header) string {
	if h == nil {
		return ""
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return h.Get("X-Real-Ip")
}
