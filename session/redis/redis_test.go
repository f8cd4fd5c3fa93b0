package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convocore/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sess := core.NewSession("agent-1")
	sess.Context.Append(core.Message{ID: "m1", Role: core.RoleUser, Content: "hi", CreatedAt: now})
	sess.Context.SetVariable(core.Variable{Name: "city", Value: "Berlin", Confidence: 0.9, ExtractedAt: now})
	sess.Context.Flow = &core.FlowPosition{
		FlowID: "booking", CurrentStep: "collect", State: core.FlowActive, StartedAt: now,
		History: []core.StepVisit{{StepID: "collect", EnteredAt: now}},
	}

	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.AgentID, got.AgentID)
	assert.Equal(t, sess.Context.Messages, got.Context.Messages)
	assert.Equal(t, sess.Context.Variables, got.Context.Variables)
	assert.Equal(t, sess.Context.Flow, got.Context.Flow)
}

func TestStore_LoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(context.Background(), "ghost")
	var nfe *core.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestStore_ListAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := core.NewSession("agent-1")
	b := core.NewSession("agent-1")
	b.Status = core.StatusIdle
	c := core.NewSession("agent-2")
	for _, s := range []*core.Session{a, b, c} {
		require.NoError(t, store.Save(ctx, s))
	}

	all, err := store.List(ctx, core.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	agent1, err := store.List(ctx, core.SessionFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, agent1, 2)

	idle, err := store.List(ctx, core.SessionFilter{Status: core.StatusIdle})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, b.ID, idle[0].ID)
}

func TestStore_CleanupExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := core.NewSession("agent-1")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := core.NewSession("agent-1")
	require.NoError(t, store.Save(ctx, old))
	require.NoError(t, store.Save(ctx, fresh))

	now := time.Now().UTC()
	count, err := store.CleanupExpired(ctx, func(s *core.Session) bool {
		return s.IsExpired(now, time.Hour)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.Load(ctx, old.ID)
	var nfe *core.NotFoundError
	assert.ErrorAs(t, err, &nfe)

	_, err = store.Load(ctx, fresh.ID)
	assert.NoError(t, err)
}
