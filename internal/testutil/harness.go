// Package testutil wires the full pipeline against in-memory
// implementations for tests: a mock generator, the in-memory session
// store and a controllable clock.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/config"
	"github.com/hupe1980/convocore/flow"
	"github.com/hupe1980/convocore/generator"
	"github.com/hupe1980/convocore/match"
	"github.com/hupe1980/convocore/runner"
	"github.com/hupe1980/convocore/session"
	"github.com/hupe1980/convocore/tool"
)

// Clock is a concurrency-safe manual clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current simulated instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Harness bundles a fully wired pipeline over test doubles.
type Harness struct {
	Catalog   *catalog.Catalog
	Registry  *tool.Registry
	Generator *generator.MockGenerator
	Store     *session.InMemoryStore
	Adapter   *session.Adapter
	Runner    *runner.Runner
	Clock     *Clock
	Config    config.EngineConfig
}

// NewHarness builds a pipeline with the documented defaults. optFns
// adjust the engine configuration before wiring.
func NewHarness(t *testing.T, optFns ...func(cfg *config.EngineConfig)) *Harness {
	t.Helper()

	cfg := config.Default()
	for _, fn := range optFns {
		fn(&cfg)
	}

	clock := NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cat := catalog.New()
	gen := generator.NewMockGenerator()
	registry := tool.NewRegistry()
	store := session.NewInMemoryStore()

	adapter := session.NewAdapter(store, func(o *session.Options) {
		o.Now = clock.Now
		o.Config.IdleTimeout = cfg.IdleTimeout
		o.Config.TTL = cfg.SessionTTL
		o.Config.MaxHistory = cfg.MaxHistory
	})

	matcher := match.New(gen, func(o *match.Options) {
		o.Threshold = cfg.RelevanceThreshold
		o.TopK = cfg.TopK
	})
	flows := flow.New(gen)
	executor := tool.NewExecutor(registry)

	run := runner.New(cat, matcher, flows, executor, adapter, gen, func(o *runner.Options) {
		o.Config = cfg
		o.Now = clock.Now
	})

	return &Harness{
		Catalog:   cat,
		Registry:  registry,
		Generator: gen,
		Store:     store,
		Adapter:   adapter,
		Runner:    run,
		Clock:     clock,
		Config:    cfg,
	}
}

// MustAddRule registers a rule or fails the test.
func (h *Harness) MustAddRule(t *testing.T, r catalog.Rule) catalog.Rule {
	t.Helper()
	added, err := h.Catalog.AddRule(r)
	require.NoError(t, err)
	return added
}

// MustAddTool registers a tool definition or fails the test.
func (h *Harness) MustAddTool(t *testing.T, def catalog.Tool) {
	t.Helper()
	require.NoError(t, h.Catalog.AddTool(def))
}
