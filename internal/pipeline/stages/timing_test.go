package stages

import (
	"context"
	"testing"
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

func TestTiming_SetsStartedAt(t *testing.T) {
	stage := NewTiming()
	ctx := &pipeline.RequestContext{Ctx: context.Background()}

	before := time.Now()
	decision, err := stage.Run(ctx)
	after := time.Now()

	if err != nil || decision != pipeline.Continue {
		t.Fatalf("expected Continue, got decision=%v err=%v", decision, err)
	}
	if ctx.StartedAt.Before(before) || ctx.StartedAt.After(after) {
		t.Fatalf("expected StartedAt to fall within [%v, %v], got %v", before, after, ctx.StartedAt)
	}
}
