package tool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convocore/catalog"
)

func searchTool() catalog.Tool {
	return catalog.Tool{
		Name:    "search",
		Timeout: time.Second,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "default": 10},
			},
			"required": []string{"query"},
		},
	}
}

func TestExecute_Success(t *testing.T) {
	reg := NewRegistry()
	var gotArgs map[string]any
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		gotArgs = args
		return map[string]any{"hits": 3}, nil
	}))

	outcome, err := NewExecutor(reg).Execute(context.Background(), searchTool(), map[string]any{"query": "pizza"})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, map[string]any{"hits": 3}, outcome.Data)
	assert.Equal(t, 10, gotArgs["limit"], "schema default must reach the handler")
}

func TestExecute_ValidationFailsFast(t *testing.T) {
	reg := NewRegistry()
	invoked := false
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		invoked = true
		return nil, nil
	}))

	_, err := NewExecutor(reg).Execute(context.Background(), searchTool(), map[string]any{})
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeValidation, terr.Code)
	assert.False(t, invoked, "handler must not run on invalid arguments")
}

func TestExecute_RetryTiming(t *testing.T) {
	def := searchTool()
	def.Retry = catalog.RetryPolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond, BackoffMultiplier: 2.0}

	var mu sync.Mutex
	var calls []time.Time
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return nil, errors.New("backend down")
	}))

	outcome, err := NewExecutor(reg).Execute(context.Background(), def, map[string]any{"query": "q"})
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeExecution, terr.Code)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, 3, outcome.Attempts)

	require.Len(t, calls, 3, "always-failing handler runs exactly max_attempts times")
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 100*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), 200*time.Millisecond)
}

func TestExecute_TimeoutFromCallerPerspective(t *testing.T) {
	def := searchTool()
	def.Timeout = 50 * time.Millisecond

	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		<-release // ignores cancellation on purpose
		return map[string]any{"late": true}, nil
	}))

	start := time.Now()
	_, err := NewExecutor(reg).Execute(context.Background(), def, map[string]any{"query": "q"})
	elapsed := time.Since(start)
	close(release)

	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeTimeout, terr.Code)
	assert.Less(t, elapsed, time.Second, "caller must not wait for the stuck handler")
}

func TestExecute_AllowFailure(t *testing.T) {
	def := searchTool()
	def.AllowFailure = true

	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("nope")
	}))

	outcome, err := NewExecutor(reg).Execute(context.Background(), def, map[string]any{"query": "q"})
	require.NoError(t, err, "tolerated failure must not raise a turn-level error")
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "nope")
}

func TestExecute_UnknownTool(t *testing.T) {
	_, err := NewExecutor(NewRegistry()).Execute(context.Background(), searchTool(), map[string]any{"query": "q"})
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeUnknown, terr.Code)
}

func TestExecute_CustomToolErrorPreserved(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterFunc("search", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, NewToolError("search", "quota exhausted", "QUOTA")
	}))

	_, err := NewExecutor(reg).Execute(context.Background(), searchTool(), map[string]any{"query": "q"})
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "quota exhausted")
}
