// Package convocore provides a high-level façade over the decision
// core: rule matching, flow progression, tool execution and session
// lifecycle, orchestrated turn by turn. Most applications interact
// with this package by:
//  1. Creating an Engine via New() with a generator backend
//     (optionally overriding the in-memory session store)
//  2. Declaring variables, tools, rules and flows on the catalog,
//     either programmatically or from a YAML bundle
//  3. Registering tool handlers and calling ProcessTurn per inbound
//     message
//
// The façade delegates the turn pipeline to runner.Runner while
// keeping setup ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply the
// redis-backed store, a structured logger and a metrics recorder.
package convocore

import (
	"context"
	"io"
	"time"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/config"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/flow"
	"github.com/hupe1980/convocore/generator"
	"github.com/hupe1980/convocore/logging"
	"github.com/hupe1980/convocore/match"
	"github.com/hupe1980/convocore/metrics"
	"github.com/hupe1980/convocore/runner"
	"github.com/hupe1980/convocore/session"
	"github.com/hupe1980/convocore/tool"
)

// Options configures the Engine instance.
type Options struct {
	// Config tunes matching, extraction, lifecycle and concurrency.
	Config config.EngineConfig

	// Store persists sessions (defaults to in-memory if not provided).
	Store core.Store

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger

	// Metrics receives the core's measurements (defaults to NoOp).
	Metrics metrics.Recorder

	// Now supplies the clock, replaceable in tests.
	Now func() time.Time
}

// Engine is the high-level façade aggregating the catalog, the tool
// registry, the session adapter and the turn runner.
type Engine struct {
	opts     Options
	catalog  *catalog.Catalog
	registry *tool.Registry
	sessions *session.Adapter
	runner   *runner.Runner
}

// New creates an Engine around the given generator backend. Any unset
// service is initialized with its default implementation.
func New(gen generator.Generator, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:  config.Default(),
		Store:   session.NewInMemoryStore(),
		Logger:  logging.NoOpLogger{},
		Metrics: metrics.NoOp{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cat := catalog.New()
	registry := tool.NewRegistry()

	sessions := session.NewAdapter(opts.Store, func(o *session.Options) {
		o.Config.IdleTimeout = opts.Config.IdleTimeout
		o.Config.TTL = opts.Config.SessionTTL
		o.Config.MaxHistory = opts.Config.MaxHistory
		o.Logger = opts.Logger
		o.Now = opts.Now
	})

	matcher := match.New(gen, func(o *match.Options) {
		o.Threshold = opts.Config.RelevanceThreshold
		o.TopK = opts.Config.TopK
		o.Logger = opts.Logger
	})

	flows := flow.New(gen, func(o *flow.Options) {
		o.Logger = opts.Logger
	})

	executor := tool.NewExecutor(registry, func(o *tool.Options) {
		o.Logger = opts.Logger
	})

	run := runner.New(cat, matcher, flows, executor, sessions, gen, func(o *runner.Options) {
		o.Config = opts.Config
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Now = opts.Now
	})

	return &Engine{
		opts:     opts,
		catalog:  cat,
		registry: registry,
		sessions: sessions,
		runner:   run,
	}
}

// Catalog exposes the rule catalog for direct administration.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Sessions exposes the session adapter, e.g. for inspection or manual
// completion.
func (e *Engine) Sessions() *session.Adapter { return e.sessions }

// ProcessTurn runs the full pipeline for one inbound message. An empty
// sessionID starts a new session; the minted id comes back on the
// result. Injected variables land in context with full confidence.
func (e *Engine) ProcessTurn(ctx context.Context, agentID, sessionID, text string, injected map[string]any) (*runner.TurnResult, error) {
	return e.runner.ProcessTurn(ctx, agentID, sessionID, text, injected)
}

// StartFlow activates a flow on the session.
func (e *Engine) StartFlow(ctx context.Context, sessionID, flowID string) error {
	return e.runner.StartFlow(ctx, sessionID, flowID)
}

// Sweep applies the idle and expiry lifecycle transitions once. Run it
// from a ticker; the turn pipeline never triggers these edges itself.
func (e *Engine) Sweep(ctx context.Context) (session.SweepStats, error) {
	stats, err := e.sessions.Sweep(ctx)
	if err == nil {
		e.opts.Metrics.SessionsSwept(stats.Idled, stats.Expired)
	}
	return stats, err
}

// RegisterHandler binds an executable handler to a tool name declared
// in the catalog.
func (e *Engine) RegisterHandler(name string, h tool.Handler) error {
	return e.registry.Register(name, h)
}

// RegisterHandlerFunc binds a plain function as a tool handler.
func (e *Engine) RegisterHandlerFunc(name string, fn tool.HandlerFunc) error {
	return e.registry.RegisterFunc(name, fn)
}

// AddVariable declares an extractable variable.
func (e *Engine) AddVariable(def catalog.VariableDef) error { return e.catalog.AddVariable(def) }

// AddTool declares a tool definition.
func (e *Engine) AddTool(t catalog.Tool) error { return e.catalog.AddTool(t) }

// AddRule registers a rule and returns it with defaults applied.
func (e *Engine) AddRule(r catalog.Rule) (catalog.Rule, error) { return e.catalog.AddRule(r) }

// AddFlow registers a flow definition.
func (e *Engine) AddFlow(f catalog.Flow) error { return e.catalog.AddFlow(f) }

// SetRuleEnabled toggles a rule without redeploy. The change is
// visible to the next turn; in-flight turns keep their snapshot.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	return e.catalog.SetRuleEnabled(id, enabled)
}

// LoadBundle populates the catalog from a YAML bundle.
func (e *Engine) LoadBundle(r io.Reader) error { return catalog.LoadBundle(e.catalog, r) }

// LoadBundleFile populates the catalog from a YAML bundle on disk.
func (e *Engine) LoadBundleFile(path string) error { return catalog.LoadBundleFile(e.catalog, path) }
