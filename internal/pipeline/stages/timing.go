package stages

import (
	"time"

	"github.com/wtfsayo/mcpay-sub002/internal/pipeline"
)

// Timing implements stage 2: stamp request start time.
type Timing struct{}

// NewTiming builds the Timing stage.
func NewTiming() *Timing { return &Timing{} }

func (s *Timing) Name() string { return "timing" }

func (s *Timing) Run(ctx *pipeline.RequestContext) (pipeline.Decision, error) {
	ctx.StartedAt = time.Now()
	return pipeline.Continue, nil
}
