package pipeline

// Decision is a stage's verdict after running.
type Decision int

const (
	// Continue passes control to the next stage.
	Continue Decision = iota
	// Terminal means ctx.Response is populated and the runner should stop.
	Terminal
)

// Stage is the capability every pipeline step implements. A stage is
// re-entrant and holds no per-request state of its own: all state lives on
// the RequestContext passed in.
type Stage interface {
	Name() string
	Run(ctx *RequestContext) (Decision, error)
}

// StageFunc adapts a plain function to Stage, for simple stages that need
// no collaborators.
type StageFunc struct {
	StageName string
	Fn        func(ctx *RequestContext) (Decision, error)
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Run(ctx *RequestContext) (Decision, error) { return f.Fn(ctx) }
