// Package runner orchestrates the turn pipeline: resolve session,
// append the inbound message, extract variables, advance the flow,
// match rules, execute the tool plan and generate the reply. It owns
// the concurrency model: at most one in-flight turn per session,
// distinct sessions fully concurrent, tool calls within a turn run on
// a bounded worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/config"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/flow"
	"github.com/hupe1980/convocore/generator"
	"github.com/hupe1980/convocore/internal/util"
	"github.com/hupe1980/convocore/logging"
	"github.com/hupe1980/convocore/match"
	"github.com/hupe1980/convocore/metrics"
	"github.com/hupe1980/convocore/session"
	"github.com/hupe1980/convocore/tool"
)

// Options configure the runner.
type Options struct {
	Config  config.EngineConfig
	Logger  logging.Logger
	Metrics metrics.Recorder
	// Now supplies the clock, replaceable in tests.
	Now func() time.Time
}

// Explanation carries the matcher's full reasoning for one turn when
// explainability is enabled.
type Explanation struct {
	Survivors []match.Match `json:"survivors"`
	Reasoning []string      `json:"reasoning"`
}

// TurnResult is what ProcessTurn hands back to the caller.
type TurnResult struct {
	SessionID string                   `json:"session_id"`
	Reply     string                   `json:"reply"`
	Matches   []match.Match            `json:"matches,omitempty"`
	Outcomes  []core.ToolOutcome       `json:"outcomes,omitempty"`
	Variables map[string]core.Variable `json:"variables,omitempty"`
	Flow      *core.FlowPosition       `json:"flow,omitempty"`
	Usage     generator.TokenUsage     `json:"usage"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	// Explanation is populated only with EnableExplainability set.
	Explanation *Explanation `json:"explanation,omitempty"`
}

// Runner coordinates the components for every turn.
type Runner struct {
	catalog  *catalog.Catalog
	matcher  *match.Matcher
	flows    *flow.Engine
	executor *tool.Executor
	sessions *session.Adapter
	gen      generator.Generator
	opts     Options

	locks *lockTable
}

// sessionLock is one entry in the lock table. refs counts the holder
// plus any waiters, so the entry is evicted exactly when the last turn
// referencing it releases.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockTable hands out per-session mutexes and reclaims them once no
// turn holds or awaits them, keeping the table bounded by in-flight
// turns rather than by distinct session ids seen.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*sessionLock{}}
}

func (t *lockTable) acquire(id string) *sessionLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(id string, l *sessionLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// New wires a runner from its components.
func New(
	cat *catalog.Catalog,
	matcher *match.Matcher,
	flows *flow.Engine,
	executor *tool.Executor,
	sessions *session.Adapter,
	gen generator.Generator,
	optFns ...func(o *Options),
) *Runner {
	opts := Options{
		Config:  config.Default(),
		Logger:  logging.NoOpLogger{},
		Metrics: metrics.NoOp{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{
		catalog:  cat,
		matcher:  matcher,
		flows:    flows,
		executor: executor,
		sessions: sessions,
		gen:      gen,
		opts:     opts,
		locks:    newLockTable(),
	}
}

// ProcessTurn runs the pipeline for one inbound message. An empty
// sessionID starts a new session. Injected variables land in context
// with full confidence before extraction runs. Turns on the same
// session queue behind each other unless RejectBusy is set, in which
// case the second caller gets a ConcurrencyError immediately.
func (r *Runner) ProcessTurn(ctx context.Context, agentID, sessionID, text string, injected map[string]any) (*TurnResult, error) {
	start := r.opts.Now()

	if sessionID == "" {
		sess, err := r.sessions.GetOrCreate(ctx, agentID, "")
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}

	l := r.locks.acquire(sessionID)
	if r.opts.Config.RejectBusy {
		if !l.mu.TryLock() {
			r.locks.release(sessionID, l)
			return nil, &core.ConcurrencyError{SessionID: sessionID}
		}
	} else {
		l.mu.Lock()
	}
	defer func() {
		l.mu.Unlock()
		r.locks.release(sessionID, l)
	}()

	result, err := r.processLocked(ctx, agentID, sessionID, text, injected, start)
	r.opts.Metrics.TurnProcessed(agentID, r.opts.Now().Sub(start), err != nil)
	return result, err
}

// processLocked is the pipeline body. All session mutations are staged
// on the adapter's clone. The message append and its extractions land
// together at the first persist; a turn with a tool plan then stamps
// the session awaiting_tool for the duration of the tool phase; the
// reply lands at the final persist. A cancellation never splits the
// first pair.
func (r *Runner) processLocked(ctx context.Context, agentID, sessionID, text string, injected map[string]any, start time.Time) (*TurnResult, error) {
	snap := r.catalog.Snapshot()
	now := r.opts.Now()

	sess, err := r.sessions.GetOrCreate(ctx, agentID, sessionID)
	if err != nil {
		return nil, err
	}

	msg := core.UserMessage(text)
	sess.Context.Append(msg)
	sess.Touch(now)

	for name, value := range injected {
		sess.Context.SetVariable(core.Variable{
			Name: name, Value: value, Confidence: 1.0,
			SourceMessageID: msg.ID, ExtractedAt: now,
		})
	}

	if r.opts.Config.AutoExtraction {
		if err := r.extractVariables(ctx, snap, sess, msg, now); err != nil {
			return nil, err
		}
	}

	// First persist point: the inbound message and its extractions
	// land together.
	if err := r.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	if pos := sess.Context.Flow; pos != nil && pos.State == core.FlowActive {
		if _, err := r.flows.Advance(ctx, snap, &sess.Context, msg, now); err != nil {
			if !errors.Is(err, core.ErrNoValidTransition) {
				return nil, err
			}
			r.opts.Logger.Debug("no transition matched",
				"session_id", sess.ID, "flow_id", pos.FlowID, "step", pos.CurrentStep)
		}
	}

	matched, err := r.matcher.Match(ctx, snap, msg, &sess.Context, sess.Context.Flow)
	if err != nil {
		return nil, err
	}

	if len(matched.Plan) > 0 {
		sess.Status = core.StatusAwaitingTool
		if err := r.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
	}

	outcomes, err := r.runPlan(ctx, matched.Plan)
	if err != nil {
		return nil, err
	}

	reply, usage, err := r.generate(ctx, sess, matched, outcomes)
	if err != nil {
		// The inbound message stays persisted; no reply is produced.
		return nil, err
	}

	sess.Context.Append(core.AssistantMessage(reply))
	if sess.Context.Flow != nil && sess.Context.Flow.State == core.FlowActive {
		sess.Status = core.StatusAwaitingInput
	} else {
		sess.Status = core.StatusActive
	}
	sess.Touch(r.opts.Now())

	// Second persist point: the reply.
	if err := r.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	result := &TurnResult{
		SessionID: sess.ID,
		Reply:     reply,
		Matches:   matched.TopK,
		Outcomes:  outcomes,
		Variables: sess.Context.VariablesCopy(),
		Flow:      sess.Context.Flow,
		Usage:     usage,
		ElapsedMs: r.opts.Now().Sub(start).Milliseconds(),
	}
	if r.opts.Config.EnableExplainability {
		reasoning := make([]string, 0, len(matched.Survivors))
		for _, m := range matched.Survivors {
			reasoning = append(reasoning, fmt.Sprintf("%s: %s", m.RuleID, m.Reasoning))
		}
		result.Explanation = &Explanation{Survivors: matched.Survivors, Reasoning: reasoning}
	}

	r.opts.Logger.Info("turn processed",
		"session_id", sess.ID, "agent_id", agentID,
		"matched", len(matched.TopK), "tools", len(outcomes), "elapsed_ms", result.ElapsedMs)
	return result, nil
}

// extractVariables pulls declared variables from the message and
// merges them under the acceptance threshold and highest-confidence
// rule. Values failing their validator are discarded.
func (r *Runner) extractVariables(ctx context.Context, snap *catalog.Snapshot, sess *core.Session, msg core.Message, now time.Time) error {
	defs := snap.Variables()
	if len(defs) == 0 {
		return nil
	}

	genStart := r.opts.Now()
	extracted, err := r.gen.Extract(ctx, msg.Content, snap.ExtractionSchema())
	r.opts.Metrics.GeneratorCall(r.gen.Info().Provider, "extract", r.opts.Now().Sub(genStart), err != nil)
	if err != nil {
		return &core.GeneratorError{Provider: r.gen.Info().Provider, Op: "extract", Err: err}
	}

	for name, ex := range extracted {
		def, ok := defs[name]
		if !ok {
			continue
		}
		if ex.Confidence < r.opts.Config.ExtractionThreshold {
			continue
		}
		if err := def.Validator.Validate(ex.Value); err != nil {
			r.opts.Logger.Debug("extracted value rejected",
				"variable", name, "reason", err.Error())
			continue
		}
		if existing, ok := sess.Context.Variable(name); ok && ex.Confidence < existing.Confidence {
			continue
		}
		sess.Context.SetVariable(core.Variable{
			Name: name, Value: ex.Value, Confidence: ex.Confidence,
			SourceMessageID: msg.ID, ExtractedAt: now,
		})
	}
	return nil
}

// runPlan executes the tool calls on a bounded worker pool. The
// pipeline waits for every call to settle before returning. A
// disallowed failure cancels the rest of the plan and surfaces as the
// turn error; expiry of the turn budget instead skips not-yet-started
// calls and downgrades in-flight cancellations to failed outcomes, so
// the turn proceeds with partial results.
func (r *Runner) runPlan(ctx context.Context, plan []match.PlannedCall) ([]core.ToolOutcome, error) {
	if len(plan) == 0 {
		return nil, nil
	}

	var (
		planCtx context.Context
		cancel  context.CancelFunc
	)
	if budget := r.opts.Config.TurnBudget; budget > 0 {
		planCtx, cancel = context.WithTimeout(ctx, budget)
	} else {
		planCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	workers := r.opts.Config.MaxConcurrentTools
	if workers < 1 {
		workers = 1
	}
	if workers > len(plan) {
		workers = len(plan)
	}

	outcomes := make([]core.ToolOutcome, len(plan))
	jobs := make(chan int)
	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)

	budgetExpired := func() bool {
		return r.opts.Config.TurnBudget > 0 && errors.Is(planCtx.Err(), context.DeadlineExceeded)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				call := plan[i]
				if planCtx.Err() != nil {
					outcomes[i] = core.ToolOutcome{Tool: call.Tool.Name, Skipped: true, Message: "skipped"}
					continue
				}

				callStart := r.opts.Now()
				outcome, err := r.executor.Execute(planCtx, call.Tool, call.Parameters)
				r.opts.Metrics.ToolExecuted(call.Tool.Name, r.opts.Now().Sub(callStart), outcome.Success)

				if err != nil && budgetExpired() {
					// Budget expiry mid-call is partial results, not a
					// turn failure.
					outcome.Success = false
					if outcome.Message == "" {
						outcome.Message = "turn budget exceeded"
					}
					err = nil
				}
				outcomes[i] = outcome
				if err != nil {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					fatalMu.Unlock()
					cancel()
				}
			}
		}()
	}

	for i := range plan {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if fatalErr != nil {
		return outcomes, fatalErr
	}
	if ctx.Err() != nil {
		return outcomes, ctx.Err()
	}
	return outcomes, nil
}

// generate assembles the generator request: base system prompt, the
// rendered combined action, known variables, the trimmed history and
// the tool outcomes.
func (r *Runner) generate(ctx context.Context, sess *core.Session, matched *match.Result, outcomes []core.ToolOutcome) (string, generator.TokenUsage, error) {
	var system strings.Builder
	if base := r.opts.Config.SystemPrompt; base != "" {
		system.WriteString(base)
	}
	if matched.CombinedAction != "" {
		action, err := util.RenderTemplate(matched.CombinedAction, variableValues(sess.Context.Variables))
		if err != nil {
			action = matched.CombinedAction
		}
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Follow these instructions for your reply:\n")
		system.WriteString(action)
	}
	if len(sess.Context.Variables) > 0 {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Known context:")
		names := make([]string, 0, len(sess.Context.Variables))
		for name := range sess.Context.Variables {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&system, "\n- %s: %v", name, sess.Context.Variables[name].Value)
		}
	}

	req := generator.Request{
		System:   system.String(),
		History:  sess.Context.History(r.opts.Config.MaxHistory),
		Outcomes: outcomes,
	}

	genStart := r.opts.Now()
	resp, err := r.gen.Generate(ctx, req)
	r.opts.Metrics.GeneratorCall(r.gen.Info().Provider, "generate", r.opts.Now().Sub(genStart), err != nil)
	if err != nil {
		return "", generator.TokenUsage{}, &core.GeneratorError{Provider: r.gen.Info().Provider, Op: "generate", Err: err}
	}
	return resp.Text, resp.Usage, nil
}

func variableValues(vars map[string]core.Variable) map[string]any {
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		out[name] = v.Value
	}
	return out
}

// StartFlow activates a flow on the session and persists the new
// position. It takes the session lock like a turn.
func (r *Runner) StartFlow(ctx context.Context, sessionID, flowID string) error {
	l := r.locks.acquire(sessionID)
	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		r.locks.release(sessionID, l)
	}()

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.flows.Start(r.catalog.Snapshot(), &sess.Context, flowID, r.opts.Now()); err != nil {
		return err
	}
	sess.Status = core.StatusAwaitingInput
	sess.Touch(r.opts.Now())
	return r.sessions.Save(ctx, sess)
}
