package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-assistant/internal/apperr"
)

// State is a position in the request lifecycle.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateClassified  State = "CLASSIFIED"
	StateExecuting   State = "EXECUTING"
	StateSynthesized State = "SYNTHESIZED"
	StateComplete    State = "COMPLETE"
	StateErrored     State = "ERRORED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored
}

// Step is one transition of the state machine.
type Step interface {
	State() State
	Execute(ctx context.Context, rs *RequestState) error
}

// StageTiming is how long one step took.
type StageTiming struct {
	Stage    State         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Pipeline runs steps in order, timing each one. A failing or panicking step
// moves the request to StateErrored and stops the run.
type Pipeline struct {
	steps    []Step
	observer func(stage State, d time.Duration)
}

func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs every step against rs. On success rs.State is the last step's state.
func (p *Pipeline) Execute(ctx context.Context, rs *RequestState) error {
	for _, step := range p.steps {
		start := time.Now()
		err := runStep(ctx, step, rs)
		d := time.Since(start)

		rs.Timings = append(rs.Timings, StageTiming{Stage: step.State(), Duration: d})
		if p.observer != nil {
			p.observer(step.State(), d)
		}
		if err != nil {
			rs.State = StateErrored
			rs.FailedAt = step.State()
			return fmt.Errorf("pipeline step %s failed: %w", step.State(), err)
		}
		rs.State = step.State()
	}
	return nil
}

func runStep(ctx context.Context, step Step, rs *RequestState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.E(apperr.CodeInternal, "Pipeline.Execute", "step panicked", fmt.Errorf("panic in %s: %v", step.State(), r))
		}
	}()
	return step.Execute(ctx, rs)
}
