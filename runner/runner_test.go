package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/config"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/internal/testutil"
	"github.com/hupe1980/convocore/tool"
)

func TestProcessTurn_HappyPath(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.AddScore("user wants pizza", 0.9).WithReply("One pizza coming up.")
	h.MustAddTool(t, catalog.Tool{
		Name: "order", Timeout: time.Second,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"item": map[string]any{"type": "string"}},
		},
	})
	h.Generator.AddExtraction("item", "pizza", 0.9)
	h.MustAddRule(t, catalog.Rule{
		ID: "r-pizza", Priority: 10, Condition: "user wants pizza",
		Action: "Confirm the order.", Tools: []string{"order"}, Enabled: true,
	})
	require.NoError(t, h.Registry.RegisterFunc("order", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"ordered": args["item"]}, nil
	}))

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "pizza please", nil)
	require.NoError(t, err)

	assert.Equal(t, "One pizza coming up.", res.Reply)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "r-pizza", res.Matches[0].RuleID)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Success)
	assert.Equal(t, "pizza", res.Outcomes[0].Data["ordered"])

	sess, err := h.Adapter.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Context.Messages, 2)
	assert.Equal(t, core.RoleUser, sess.Context.Messages[0].Role)
	assert.Equal(t, core.RoleAssistant, sess.Context.Messages[1].Role)
	assert.Equal(t, core.StatusActive, sess.Status)
}

func TestProcessTurn_ConcurrentTurnsNeverInterleave(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.AddScore("anything", 0.9).WithReply("ok")
	h.MustAddTool(t, catalog.Tool{Name: "slow", Timeout: time.Second})
	h.MustAddRule(t, catalog.Rule{
		ID: "r", Condition: "anything", Tools: []string{"slow"}, Enabled: true,
	})
	require.NoError(t, h.Registry.RegisterFunc("slow", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "warmup", nil)
	require.NoError(t, err)
	sessionID := first.SessionID

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := h.Runner.ProcessTurn(context.Background(), "agent-1", sessionID, "first", nil)
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond) // let the first turn take the lock
	go func() {
		defer wg.Done()
		_, err := h.Runner.ProcessTurn(context.Background(), "agent-1", sessionID, "second", nil)
		assert.NoError(t, err)
	}()
	wg.Wait()

	sess, err := h.Adapter.Get(context.Background(), sessionID)
	require.NoError(t, err)

	var contents []string
	for _, m := range sess.Context.Messages {
		contents = append(contents, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{
		"user:warmup", "assistant:ok",
		"user:first", "assistant:ok",
		"user:second", "assistant:ok",
	}, contents, "the second turn's message must not land before the first turn's reply")
}

func TestProcessTurn_RejectBusy(t *testing.T) {
	h := testutil.NewHarness(t, func(cfg *config.EngineConfig) {
		cfg.RejectBusy = true
	})
	h.Generator.AddScore("anything", 0.9).WithReply("ok")
	h.MustAddTool(t, catalog.Tool{Name: "slow", Timeout: time.Second})
	h.MustAddRule(t, catalog.Rule{ID: "r", Condition: "anything", Tools: []string{"slow"}, Enabled: true})
	require.NoError(t, h.Registry.RegisterFunc("slow", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	}))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "warmup", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.Runner.ProcessTurn(context.Background(), "agent-1", first.SessionID, "busy", nil)
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = h.Runner.ProcessTurn(context.Background(), "agent-1", first.SessionID, "rejected", nil)
	var cerr *core.ConcurrencyError
	assert.ErrorAs(t, err, &cerr)
	<-done
}

func TestProcessTurn_GeneratorFailureKeepsInboundMessage(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.FailGenerate(errors.New("backend down"))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hello", nil)
	require.Nil(t, first)
	var gerr *core.GeneratorError
	require.ErrorAs(t, err, &gerr)

	sessions, err := h.Adapter.List(context.Background(), core.SessionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Context.Messages, 1, "inbound message persisted, no reply")
	assert.Equal(t, core.RoleUser, sessions[0].Context.Messages[0].Role)
}

func TestProcessTurn_FatalToolFailureAbortsTurn(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.AddScore("anything", 0.9)
	h.MustAddTool(t, catalog.Tool{Name: "boom", Timeout: time.Second})
	h.MustAddRule(t, catalog.Rule{ID: "r", Condition: "anything", Tools: []string{"boom"}, Enabled: true})
	require.NoError(t, h.Registry.RegisterFunc("boom", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("exploded")
	}))

	_, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "go", nil)
	var terr *tool.ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, tool.CodeExecution, terr.Code)
	assert.NotContains(t, h.Generator.Calls(), "generate", "generation must not run after a fatal tool failure")
}

func TestProcessTurn_AllowFailureContinues(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.AddScore("anything", 0.9).WithReply("best effort")
	h.MustAddTool(t, catalog.Tool{Name: "flaky", Timeout: time.Second, AllowFailure: true})
	h.MustAddRule(t, catalog.Rule{ID: "r", Condition: "anything", Tools: []string{"flaky"}, Enabled: true})
	require.NoError(t, h.Registry.RegisterFunc("flaky", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("transient")
	}))

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "best effort", res.Reply)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Success)
}

func TestProcessTurn_TurnBudgetSkipsPendingTools(t *testing.T) {
	h := testutil.NewHarness(t, func(cfg *config.EngineConfig) {
		cfg.TurnBudget = 100 * time.Millisecond
		cfg.MaxConcurrentTools = 1
	})
	h.Generator.AddScore("anything", 0.9).WithReply("partial")
	for _, name := range []string{"fast", "stuck", "never"} {
		h.MustAddTool(t, catalog.Tool{Name: name, Timeout: time.Second})
	}
	h.MustAddRule(t, catalog.Rule{ID: "r1", Priority: 30, Condition: "anything", Tools: []string{"fast"}, Enabled: true})
	h.MustAddRule(t, catalog.Rule{ID: "r2", Priority: 20, Condition: "anything", Tools: []string{"stuck"}, Enabled: true})
	h.MustAddRule(t, catalog.Rule{ID: "r3", Priority: 10, Condition: "anything", Tools: []string{"never"}, Enabled: true})

	require.NoError(t, h.Registry.RegisterFunc("fast", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	}))
	require.NoError(t, h.Registry.RegisterFunc("stuck", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	require.NoError(t, h.Registry.RegisterFunc("never", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Error("tool past the budget must not start")
		return nil, nil
	}))

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "go", nil)
	require.NoError(t, err, "budget expiry yields partial results, not a failed turn")
	assert.Equal(t, "partial", res.Reply)

	require.Len(t, res.Outcomes, 3)
	assert.True(t, res.Outcomes[0].Success)
	assert.False(t, res.Outcomes[1].Success)
	assert.True(t, res.Outcomes[2].Skipped)
}

func TestProcessTurn_VariableExtractionMerge(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok")
	require.NoError(t, h.Catalog.AddVariable(catalog.VariableDef{Name: "city", Type: "string"}))
	h.Generator.AddExtraction("city", "Berlin", 0.8)

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "I am in Berlin", nil)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", res.Variables["city"].Value)

	// A lower-confidence value must not displace the existing one.
	h.Generator.AddExtraction("city", "Paris", 0.6)
	res, err = h.Runner.ProcessTurn(context.Background(), "agent-1", res.SessionID, "or maybe Paris", nil)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", res.Variables["city"].Value)

	// A higher-confidence value wins.
	h.Generator.AddExtraction("city", "Paris", 0.95)
	res, err = h.Runner.ProcessTurn(context.Background(), "agent-1", res.SessionID, "definitely Paris", nil)
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Variables["city"].Value)
}

func TestProcessTurn_ValidatorRejectsExtraction(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok")
	require.NoError(t, h.Catalog.AddVariable(catalog.VariableDef{
		Name: "size", Type: "string",
		Validator: &catalog.Validator{Kind: catalog.ValidatorEnum, Values: []string{"small", "large"}},
	}))
	h.Generator.AddExtraction("size", "gigantic", 0.9)

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "make it gigantic", nil)
	require.NoError(t, err)
	_, ok := res.Variables["size"]
	assert.False(t, ok, "value failing its validator is discarded")
}

func TestProcessTurn_InjectedVariables(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok")
	require.NoError(t, h.Catalog.AddVariable(catalog.VariableDef{Name: "user_tier", Type: "string"}))

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hi", map[string]any{"user_tier": "gold"})
	require.NoError(t, err)
	assert.Equal(t, "gold", res.Variables["user_tier"].Value)
	assert.Equal(t, 1.0, res.Variables["user_tier"].Confidence)
}

func TestProcessTurn_FlowLifecycle(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok").AddScore("user confirms", 0.9)
	require.NoError(t, h.Catalog.AddFlow(catalog.Flow{
		ID: "checkout", InitialStep: "confirm",
		Steps: []catalog.Step{
			{ID: "confirm", Transitions: []catalog.Transition{
				{Target: "done", Kind: catalog.TransitionSemantic, Condition: "user confirms"},
			}},
			{ID: "done", Terminal: true},
		},
	}))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hi", nil)
	require.NoError(t, err)

	require.NoError(t, h.Runner.StartFlow(context.Background(), first.SessionID, "checkout"))
	sess, err := h.Adapter.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingInput, sess.Status)
	assert.Equal(t, "confirm", sess.Context.Flow.CurrentStep)

	err = h.Runner.StartFlow(context.Background(), first.SessionID, "checkout")
	assert.ErrorIs(t, err, core.ErrFlowAlreadyActive)

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", first.SessionID, "yes, confirmed", nil)
	require.NoError(t, err)
	assert.Equal(t, core.FlowCompleted, res.Flow.State)

	sess, err = h.Adapter.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, sess.Status, "completed flow releases the awaiting-input state")
}

func TestProcessTurn_NoTransitionIsNonFatal(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok") // every condition scores 0
	require.NoError(t, h.Catalog.AddFlow(catalog.Flow{
		ID: "f", InitialStep: "a",
		Steps: []catalog.Step{
			{ID: "a", Transitions: []catalog.Transition{
				{Target: "b", Kind: catalog.TransitionSemantic, Condition: "never"},
			}},
			{ID: "b", Terminal: true},
		},
	}))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hi", nil)
	require.NoError(t, err)
	require.NoError(t, h.Runner.StartFlow(context.Background(), first.SessionID, "f"))

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", first.SessionID, "hm", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Flow.CurrentStep, "position unchanged")
	assert.Equal(t, core.FlowActive, res.Flow.State)
}

func TestSweep_AbandonsFlowLeftMidConversation(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.WithReply("ok")
	require.NoError(t, h.Catalog.AddFlow(catalog.Flow{
		ID: "checkout", InitialStep: "confirm",
		Steps: []catalog.Step{
			{ID: "confirm", Transitions: []catalog.Transition{
				{Target: "done", Kind: catalog.TransitionSemantic, Condition: "user confirms"},
			}},
			{ID: "done", Terminal: true},
		},
	}))

	first, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hi", nil)
	require.NoError(t, err)
	require.NoError(t, h.Runner.StartFlow(context.Background(), first.SessionID, "checkout"))

	sess, err := h.Adapter.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Equal(t, core.StatusAwaitingInput, sess.Status)

	h.Clock.Advance(301 * time.Second)
	stats, err := h.Adapter.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idled, "walking away mid-flow idles the session")

	sess, err = h.Adapter.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, sess.Status)
	assert.Equal(t, core.FlowAbandoned, sess.Context.Flow.State)
}

func TestProcessTurn_AwaitingToolDuringExecution(t *testing.T) {
	h := testutil.NewHarness(t)
	h.Generator.AddScore("anything", 0.9).WithReply("ok")
	h.MustAddTool(t, catalog.Tool{Name: "slow", Timeout: time.Minute})
	h.MustAddRule(t, catalog.Rule{ID: "r", Condition: "anything", Tools: []string{"slow"}, Enabled: true})

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, h.Registry.RegisterFunc("slow", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	}))

	sess, err := h.Adapter.GetOrCreate(context.Background(), "agent-1", "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.Runner.ProcessTurn(context.Background(), "agent-1", sess.ID, "go", nil)
		assert.NoError(t, err)
	}()

	<-started
	mid, err := h.Adapter.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingTool, mid.Status, "tool phase is visible on the persisted session")

	close(release)
	<-done

	final, err := h.Adapter.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, final.Status)
}

func TestProcessTurn_Explainability(t *testing.T) {
	h := testutil.NewHarness(t, func(cfg *config.EngineConfig) {
		cfg.EnableExplainability = true
	})
	h.Generator.WithReply("ok").AddScore("greeting", 0.8)
	h.MustAddRule(t, catalog.Rule{ID: "r-greet", Condition: "greeting", Enabled: true})

	res, err := h.Runner.ProcessTurn(context.Background(), "agent-1", "", "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Explanation)
	require.Len(t, res.Explanation.Survivors, 1)
	assert.Contains(t, res.Explanation.Reasoning[0], "r-greet")
}
