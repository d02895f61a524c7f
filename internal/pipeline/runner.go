package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Runner owns the ordered stage list and executes it as a loop, never
// recursion, per request.
type Runner struct {
	stages []Stage
	logger zerolog.Logger
}

// New builds a Runner over stages, executed in the given order.
func New(stages []Stage, logger zerolog.Logger) *Runner {
	return &Runner{stages: stages, logger: logger.With().Str("component", "pipeline").Logger()}
}

// Run executes every stage in order against ctx, stopping at the first
// terminal result or error. A stage error is converted into a 500 response
// carrying {error, stage}; it is never propagated to the caller as a Go
// error, since the runner is the final arbiter of what reaches the client.
//
// A Terminal decision short-circuits every stage between it and Analytics
// (the final stage), but Analytics itself still runs before the response
// goes out: PaymentPreAuth's 402s and PaymentCapture's settlement failures
// each still need their ToolUsage row recorded (spec §4.10/§8 Scenario 3).
// Analytics no-ops on its own when ctx.ToolCall is unset or unidentified,
// which is what excludes ClientMalformed terminations (stages ahead of
// Inspect) from writing a row, per spec §7 — so no extra classification is
// threaded through here.
func (r *Runner) Run(ctx *RequestContext) *Response {
	for i, stage := range r.stages {
		decision, err := stage.Run(ctx)
		if err != nil {
			r.logger.Error().Err(err).Str("stage", stage.Name()).Msg("pipeline stage failed")
			return unhandledErrorResponse(stage.Name(), err)
		}
		if decision == Terminal {
			if ctx.Response == nil {
				return unhandledErrorResponse(stage.Name(), fmt.Errorf("stage reported terminal without a response"))
			}
			r.runAnalyticsAfterTerminal(ctx, i)
			return ctx.Response
		}
	}

	if ctx.Response != nil {
		return ctx.Response
	}
	return unhandledErrorResponse("runner", fmt.Errorf("pipeline completed without a response"))
}

// runAnalyticsAfterTerminal runs the final stage (Analytics, by convention
// the last entry buildStages appends) after an earlier stage at index
// terminatedAt short-circuited the pipeline. A no-op if Analytics itself
// was the one that terminated, or if the last stage isn't named
// "analytics" (defensive: never silently re-invoke an arbitrary stage).
func (r *Runner) runAnalyticsAfterTerminal(ctx *RequestContext, terminatedAt int) {
	last := len(r.stages) - 1
	if last < 0 || terminatedAt >= last {
		return
	}
	analyticsStage := r.stages[last]
	if analyticsStage.Name() != "analytics" {
		return
	}
	if _, err := analyticsStage.Run(ctx); err != nil {
		r.logger.Error().Err(err).Str("stage", analyticsStage.Name()).Msg("pipeline stage failed")
	}
}

func unhandledErrorResponse(stage string, err error) *Response {
	body, _ := json.Marshal(map[string]string{"error": err.Error(), "stage": stage})
	return &Response{
		Status:  http.StatusInternalServerError,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Body:    body,
		NoStore: true,
	}
}
