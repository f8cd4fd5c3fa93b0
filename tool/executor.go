package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/internal/util"
	"github.com/hupe1980/convocore/logging"
)

// Options configure the executor.
type Options struct {
	Logger logging.Logger
}

// Executor dispatches tool calls with validation, deadline and retry
// semantics taken from the tool definition.
type Executor struct {
	registry *Registry
	opts     Options
}

// NewExecutor creates an executor over the given handler registry.
func NewExecutor(registry *Registry, optFns ...func(o *Options)) *Executor {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{registry: registry, opts: opts}
}

// Execute runs one tool call. Parameters are validated before any
// dispatch; invalid arguments never reach the handler. The handler
// runs under a deadline equal to the tool's timeout: when it elapses
// the caller gets a timeout outcome even if the handler goroutine
// finishes later. Retries follow the tool's policy with the first
// attempt immediate. A terminal failure returns a *ToolError unless
// the tool allows failure, in which case the failed outcome returns
// without an error.
func (e *Executor) Execute(ctx context.Context, def catalog.Tool, params map[string]any) (core.ToolOutcome, error) {
	start := time.Now()
	outcome := core.ToolOutcome{Tool: def.Name}

	finish := func(terr *ToolError) (core.ToolOutcome, error) {
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		outcome.Message = terr.Message
		e.opts.Logger.Warn("tool failed",
			"tool", def.Name, "code", terr.Code, "attempts", outcome.Attempts, "allow_failure", def.AllowFailure)
		if def.AllowFailure {
			return outcome, nil
		}
		return outcome, terr
	}

	handler, ok := e.registry.Handler(def.Name)
	if !ok {
		outcome.ElapsedMs = time.Since(start).Milliseconds()
		outcome.Message = "no handler registered"
		return outcome, NewToolError(def.Name, "no handler registered", CodeUnknown)
	}

	args := util.ApplyDefaults(params, def.Parameters)
	if err := util.ValidateParameters(args, def.Parameters); err != nil {
		return finish(&ToolError{Tool: def.Name, Message: err.Error(), Code: CodeValidation, Err: err})
	}

	maxAttempts := def.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, retryGap(def.Retry, attempt)); err != nil {
				outcome.Attempts = attempt - 1
				return finish(&ToolError{Tool: def.Name, Message: err.Error(), Code: CodeExecution, Attempts: attempt - 1, Err: err})
			}
		}
		outcome.Attempts = attempt

		data, err := e.invoke(ctx, handler, def.Timeout, args)
		if err == nil {
			outcome.Success = true
			outcome.Data = data
			outcome.ElapsedMs = time.Since(start).Milliseconds()
			e.opts.Logger.Debug("tool succeeded",
				"tool", def.Name, "attempts", attempt, "elapsed_ms", outcome.ElapsedMs)
			return outcome, nil
		}
		if err == errDeadline {
			// The deadline bounds the whole call from the caller's
			// perspective; retrying would stack live handlers.
			return finish(&ToolError{
				Tool: def.Name, Code: CodeTimeout, Attempts: attempt,
				Message: fmt.Sprintf("deadline %s exceeded", def.Timeout),
			})
		}
		lastErr = err
	}

	return finish(&ToolError{
		Tool: def.Name, Code: CodeExecution, Attempts: maxAttempts,
		Message: lastErr.Error(), Err: lastErr,
	})
}

var errDeadline = fmt.Errorf("tool deadline exceeded")

type invokeResult struct {
	data map[string]any
	err  error
}

// invoke runs the handler in its own goroutine so the deadline is
// observed even when the handler ignores cancellation. A late handler
// finishes in the background; its result is discarded.
func (e *Executor) invoke(ctx context.Context, handler Handler, timeout time.Duration, args map[string]any) (map[string]any, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer cancel()
		data, err := handler.Invoke(callCtx, args)
		done <- invokeResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// A cooperative handler surfaces the deadline itself.
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, errDeadline
			}
			return nil, res.err
		}
		return res.data, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errDeadline
	}
}

// retryGap is the pause before the given attempt: the base delay for
// attempt 2, scaled by the multiplier for each attempt after that.
func retryGap(policy catalog.RetryPolicy, attempt int) time.Duration {
	gap := policy.Delay
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 2; i < attempt; i++ {
		gap = time.Duration(float64(gap) * mult)
	}
	return gap
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
