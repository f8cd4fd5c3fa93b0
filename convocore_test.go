package convocore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convocore/config"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/generator"
)

const bundle = `
variables:
  - name: city
    description: Destination city.
    type: string
tools:
  - name: lookup_weather
    description: Fetches the forecast for a city.
    timeout_ms: 1000
    parameters:
      type: object
      properties:
        city:
          type: string
rules:
  - id: r-weather
    priority: 10
    condition: user asks about the weather
    action: Report the forecast for {{.city}}.
    tools: [lookup_weather]
    required_variables: [city]
  - id: r-confirm
    condition: user confirms the booking
    action: Confirm the booking.
    flow_id: booking
    step_id: confirm
flows:
  - id: booking
    initial_step: confirm
    steps:
      - id: confirm
        rule_ids: [r-confirm]
        transitions:
          - target: done
            kind: semantic
            condition: payment is complete
      - id: done
        terminal: true
`

func TestEngine_BundleTurn(t *testing.T) {
	gen := generator.NewMockGenerator().
		WithReply("Sunny in Berlin.").
		AddScore("user asks about the weather", 0.9).
		AddExtraction("city", "Berlin", 0.9)

	engine := New(gen)
	require.NoError(t, engine.LoadBundle(strings.NewReader(bundle)))
	require.NoError(t, engine.RegisterHandlerFunc("lookup_weather", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"forecast": "sunny", "city": args["city"]}, nil
	}))

	res, err := engine.ProcessTurn(context.Background(), "agent-1", "", "what is the weather in Berlin?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Sunny in Berlin.", res.Reply)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "r-weather", res.Matches[0].RuleID)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Success)
	assert.Equal(t, "Berlin", res.Outcomes[0].Data["city"])
}

func TestEngine_FlowScopedRule(t *testing.T) {
	gen := generator.NewMockGenerator().
		WithReply("ok").
		AddScore("user confirms the booking", 0.9)

	engine := New(gen)
	require.NoError(t, engine.LoadBundle(strings.NewReader(bundle)))

	// Outside the flow the scoped rule never fires.
	res, err := engine.ProcessTurn(context.Background(), "agent-1", "", "yes please", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	require.NoError(t, engine.StartFlow(context.Background(), res.SessionID, "booking"))

	res, err = engine.ProcessTurn(context.Background(), "agent-1", res.SessionID, "yes, confirmed", nil)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "r-confirm", res.Matches[0].RuleID)
	assert.Equal(t, core.FlowActive, res.Flow.State)

	gen.AddScore("payment is complete", 0.9)
	res, err = engine.ProcessTurn(context.Background(), "agent-1", res.SessionID, "payment went through", nil)
	require.NoError(t, err)
	assert.Equal(t, core.FlowCompleted, res.Flow.State)
}

func TestEngine_Sweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gen := generator.NewMockGenerator().WithReply("ok")

	engine := New(gen, func(o *Options) {
		o.Config = config.Default()
		o.Now = func() time.Time { return now }
	})

	res, err := engine.ProcessTurn(context.Background(), "agent-1", "", "hello", nil)
	require.NoError(t, err)

	now = now.Add(engine.opts.Config.IdleTimeout + time.Second)
	stats, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Idled)

	sess, err := engine.Sessions().Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusIdle, sess.Status)
}
