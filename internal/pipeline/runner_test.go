package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
)

func newTestContext() *RequestContext {
	return &RequestContext{Ctx: context.Background()}
}

func TestRunner_StopsAtTerminal(t *testing.T) {
	var ran []string
	stages := []Stage{
		StageFunc{StageName: "a", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "a")
			return Continue, nil
		}},
		StageFunc{StageName: "b", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "b")
			ctx.Response = &Response{Status: http.StatusOK, Body: []byte("ok")}
			return Terminal, nil
		}},
		StageFunc{StageName: "c", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "c")
			return Continue, nil
		}},
	}

	r := New(stages, zerolog.Nop())
	resp := r.Run(newTestContext())

	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("expected stages a,b to run and c to be skipped, got %v", ran)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRunner_RunsAnalyticsAfterTerminal(t *testing.T) {
	var ran []string
	stages := []Stage{
		StageFunc{StageName: "a", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "a")
			return Continue, nil
		}},
		StageFunc{StageName: "payment_preauth", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "payment_preauth")
			ctx.Response = &Response{Status: http.StatusPaymentRequired, Body: []byte("payment required")}
			return Terminal, nil
		}},
		StageFunc{StageName: "upstream", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "upstream")
			return Continue, nil
		}},
		StageFunc{StageName: "analytics", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "analytics")
			return Continue, nil
		}},
	}

	r := New(stages, zerolog.Nop())
	resp := r.Run(newTestContext())

	if len(ran) != 3 || ran[0] != "a" || ran[1] != "payment_preauth" || ran[2] != "analytics" {
		t.Fatalf("expected a, payment_preauth, analytics to run and upstream to be skipped, got %v", ran)
	}
	if resp.Status != http.StatusPaymentRequired {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRunner_DoesNotDoubleRunAnalyticsWhenItTerminates(t *testing.T) {
	var ran []string
	stages := []Stage{
		StageFunc{StageName: "analytics", Fn: func(ctx *RequestContext) (Decision, error) {
			ran = append(ran, "analytics")
			ctx.Response = &Response{Status: http.StatusOK, Body: []byte("ok")}
			return Terminal, nil
		}},
	}

	r := New(stages, zerolog.Nop())
	r.Run(newTestContext())

	if len(ran) != 1 {
		t.Fatalf("expected analytics to run exactly once, got %v", ran)
	}
}

func TestRunner_StageErrorBecomes500(t *testing.T) {
	stages := []Stage{
		StageFunc{StageName: "boom", Fn: func(ctx *RequestContext) (Decision, error) {
			return Continue, errors.New("kaboom")
		}},
	}

	r := New(stages, zerolog.Nop())
	resp := r.Run(newTestContext())

	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Status)
	}
	if !resp.NoStore {
		t.Fatalf("expected synthesized error response to be marked NoStore")
	}
}

func TestRunner_TerminalWithoutResponseIsDefensive500(t *testing.T) {
	stages := []Stage{
		StageFunc{StageName: "broken", Fn: func(ctx *RequestContext) (Decision, error) {
			return Terminal, nil
		}},
	}

	r := New(stages, zerolog.Nop())
	resp := r.Run(newTestContext())

	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected defensive 500 when a stage claims Terminal without a Response, got %d", resp.Status)
	}
}

func TestRunner_CompletesWithoutResponseIsDefensive500(t *testing.T) {
	stages := []Stage{
		StageFunc{StageName: "noop", Fn: func(ctx *RequestContext) (Decision, error) {
			return Continue, nil
		}},
	}

	r := New(stages, zerolog.Nop())
	resp := r.Run(newTestContext())

	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected defensive 500 when the pipeline runs dry, got %d", resp.Status)
	}
}

func TestRunner_EmptyStageListIsDefensive500(t *testing.T) {
	r := New(nil, zerolog.Nop())
	resp := r.Run(newTestContext())

	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("expected defensive 500 for an empty stage list, got %d", resp.Status)
	}
}
