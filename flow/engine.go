// Package flow advances multi-step interaction flows. The engine is
// stateless: flow definitions come from a catalog snapshot and runtime
// position lives in the session context, so one engine serves every
// session concurrently.
package flow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/generator"
	"github.com/hupe1980/convocore/logging"
)

// Options configure the engine.
type Options struct {
	// BinaryThreshold is the score a semantic transition condition must
	// reach to count as met. Scoring is pass/fail, no partial credit.
	BinaryThreshold float64
	Logger          logging.Logger
}

// AdvanceResult reports one successful step transition.
type AdvanceResult struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Completed bool   `json:"completed"`
}

// Engine evaluates step transitions for active flows.
type Engine struct {
	gen  generator.Generator
	opts Options
}

// New creates a flow engine.
func New(gen generator.Generator, optFns ...func(o *Options)) *Engine {
	opts := Options{
		BinaryThreshold: 0.5,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{gen: gen, opts: opts}
}

// Start activates a flow on the context at its initial step. Fails
// with a NotFoundError for an unknown flow and with
// core.ErrFlowAlreadyActive while another flow is active.
func (e *Engine) Start(snap *catalog.Snapshot, convCtx *core.Context, flowID string, now time.Time) error {
	def, ok := snap.Flow(flowID)
	if !ok {
		return core.NewNotFoundError("flow", flowID)
	}
	if convCtx.Flow != nil && convCtx.Flow.State == core.FlowActive {
		return fmt.Errorf("cannot start %q: %w", flowID, core.ErrFlowAlreadyActive)
	}

	pos := &core.FlowPosition{
		FlowID:    flowID,
		State:     core.FlowActive,
		StartedAt: now,
	}
	pos.EnterStep(def.InitialStep, now)
	convCtx.Flow = pos

	e.opts.Logger.Info("flow started", "flow_id", flowID, "step", def.InitialStep)
	return nil
}

// Advance evaluates the current step's transitions against the
// message. Transitions run in priority order, declaration order on
// ties; the first whose condition holds wins. When nothing matches the
// position is unchanged and the error is core.ErrNoValidTransition,
// which callers should treat as a non-fatal signal.
func (e *Engine) Advance(ctx context.Context, snap *catalog.Snapshot, convCtx *core.Context, message core.Message, now time.Time) (*AdvanceResult, error) {
	pos := convCtx.Flow
	if pos == nil || pos.State != core.FlowActive {
		return nil, core.NewValidationError("flow", "no active flow to advance")
	}
	def, ok := snap.Flow(pos.FlowID)
	if !ok {
		return nil, core.NewNotFoundError("flow", pos.FlowID)
	}
	step, ok := def.Step(pos.CurrentStep)
	if !ok {
		return nil, core.NewNotFoundError("step", pos.CurrentStep)
	}

	for _, tr := range sortTransitions(step.Transitions) {
		met, err := e.conditionMet(ctx, tr, message, convCtx)
		if err != nil {
			return nil, err
		}
		if !met {
			continue
		}

		from := pos.CurrentStep
		pos.EnterStep(tr.Target, now)

		target, _ := def.Step(tr.Target)
		completed := target.Terminal
		if completed {
			pos.Complete(now)
		}

		e.opts.Logger.Info("flow advanced",
			"flow_id", pos.FlowID, "from", from, "to", tr.Target, "completed", completed)
		return &AdvanceResult{From: from, To: tr.Target, Completed: completed}, nil
	}

	return nil, core.ErrNoValidTransition
}

// sortTransitions orders by priority descending, keeping declaration
// order among equal priorities. Insertion sort keeps the stability
// obvious for the short lists steps carry.
func sortTransitions(transitions []catalog.Transition) []catalog.Transition {
	out := make([]catalog.Transition, len(transitions))
	copy(out, transitions)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (e *Engine) conditionMet(ctx context.Context, tr catalog.Transition, message core.Message, convCtx *core.Context) (bool, error) {
	switch tr.Kind {
	case catalog.TransitionAlways:
		return true, nil

	case catalog.TransitionPattern:
		// Validated at registration, so a compile failure here means a
		// corrupted snapshot.
		re, err := regexp.Compile(tr.Condition)
		if err != nil {
			return false, core.NewValidationError("transition", "bad pattern %q: %v", tr.Condition, err)
		}
		return re.MatchString(message.Content), nil

	case catalog.TransitionVariable:
		v, ok := convCtx.Variable(tr.Variable)
		if !ok {
			return false, nil
		}
		return fmt.Sprintf("%v", v.Value) == tr.Equals, nil

	case catalog.TransitionSemantic:
		score, err := e.gen.Score(ctx, message.Content, tr.Condition)
		if err != nil {
			return false, &core.GeneratorError{Provider: e.gen.Info().Provider, Op: "score", Err: err}
		}
		return score >= e.opts.BinaryThreshold, nil
	}
	return false, nil
}
