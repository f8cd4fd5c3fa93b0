package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/logging"
)

// Options configure the adapter.
type Options struct {
	Config core.SessionConfig
	Logger logging.Logger
	// Now supplies the clock, replaceable for sweep tests.
	Now func() time.Time
}

// SweepStats summarizes one lifecycle sweep.
type SweepStats struct {
	Idled   int `json:"idled"`
	Expired int `json:"expired"`
}

// Adapter fronts a core.Store with a read-through cache and owns the
// lifecycle edges: idle and expiry transitions run in Sweep, which an
// external scheduler invokes; the turn pipeline never triggers them.
// Every write lands in the store first and then in the cache, so the
// cache is never ahead of durable state. Coherence per session id
// relies on the orchestrator's per-session lock; Sweep additionally
// reconciles the cache on every transition it applies.
type Adapter struct {
	store core.Store
	opts  Options

	mu    sync.RWMutex
	cache map[string]*core.Session
}

// NewAdapter creates an adapter over the given store.
func NewAdapter(store core.Store, optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Config: core.DefaultSessionConfig(),
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{store: store, opts: opts, cache: map[string]*core.Session{}}
}

// Config returns the lifecycle configuration.
func (a *Adapter) Config() core.SessionConfig {
	return a.opts.Config
}

func (a *Adapter) cacheGet(sessionID string) (*core.Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sess, ok := a.cache[sessionID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (a *Adapter) cachePut(sess *core.Session) {
	a.mu.Lock()
	a.cache[sess.ID] = sess.Clone()
	a.mu.Unlock()
}

func (a *Adapter) cacheDrop(sessionID string) {
	a.mu.Lock()
	delete(a.cache, sessionID)
	a.mu.Unlock()
}

// GetOrCreate loads the session or creates a fresh one for the agent
// when sessionID is empty or unknown. Terminal sessions cannot accept
// turns and surface a validation error.
func (a *Adapter) GetOrCreate(ctx context.Context, agentID, sessionID string) (*core.Session, error) {
	if sessionID == "" {
		sess := a.newSession(agentID)
		if err := a.store.Save(ctx, sess); err != nil {
			return nil, err
		}
		a.cachePut(sess)
		a.opts.Logger.Debug("session created", "session_id", sess.ID, "agent_id", agentID)
		return sess.Clone(), nil
	}

	sess, err := a.Get(ctx, sessionID)
	if err != nil {
		var nfe *core.NotFoundError
		if errors.As(err, &nfe) {
			sess = a.newSession(agentID)
			sess.ID = sessionID
			if err := a.store.Save(ctx, sess); err != nil {
				return nil, err
			}
			a.cachePut(sess)
			a.opts.Logger.Debug("session created", "session_id", sessionID, "agent_id", agentID)
			return sess.Clone(), nil
		}
		return nil, err
	}
	if sess.IsTerminal() {
		return nil, core.NewValidationError("session", "%q is %s", sessionID, sess.Status)
	}
	return sess, nil
}

// newSession stamps a fresh session with the adapter's clock.
func (a *Adapter) newSession(agentID string) *core.Session {
	sess := core.NewSession(agentID)
	now := a.opts.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.LastActivityAt = now
	return sess
}

// Get loads an existing session, served from the cache when present.
func (a *Adapter) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	if sess, ok := a.cacheGet(sessionID); ok {
		return sess, nil
	}
	sess, err := a.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a.cachePut(sess)
	return sess, nil
}

// Save persists the session. Idempotent upsert.
func (a *Adapter) Save(ctx context.Context, sess *core.Session) error {
	sess.UpdatedAt = a.opts.Now()
	if err := a.store.Save(ctx, sess); err != nil {
		return err
	}
	a.cachePut(sess)
	return nil
}

// Complete closes a session explicitly. An active flow at that point
// is marked completed as well.
func (a *Adapter) Complete(ctx context.Context, sessionID string) error {
	sess, err := a.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := a.opts.Now()
	sess.Status = core.StatusCompleted
	if sess.Context.Flow != nil && sess.Context.Flow.State == core.FlowActive {
		sess.Context.Flow.Complete(now)
	}
	sess.UpdatedAt = now
	if err := a.store.Save(ctx, sess); err != nil {
		return err
	}
	a.cachePut(sess)
	return nil
}

// Delete removes a session.
func (a *Adapter) Delete(ctx context.Context, sessionID string) error {
	if err := a.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	a.cacheDrop(sessionID)
	return nil
}

// List returns sessions matching the filter. Listing is served by the
// store; the cache indexes by id only.
func (a *Adapter) List(ctx context.Context, filter core.SessionFilter) ([]*core.Session, error) {
	return a.store.List(ctx, filter)
}

// idleEligible reports whether a status participates in the idle edge.
// A session waiting on the user mid-flow, or stranded mid-tool-phase by
// a crashed turn, goes idle the same way a plain active one does.
func idleEligible(status core.Status) bool {
	switch status {
	case core.StatusActive, core.StatusAwaitingInput, core.StatusAwaitingTool:
		return true
	}
	return false
}

// Sweep applies the lifecycle edges: sessions idle past the idle
// timeout become Idle; sessions past the ttl since creation, or past
// their explicit expiry, become Expired and are evicted. A flow still
// active when its session leaves the conversational states is marked
// abandoned.
func (a *Adapter) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := a.opts.Now()

	sessions, err := a.store.List(ctx, core.SessionFilter{})
	if err != nil {
		return stats, err
	}

	for _, sess := range sessions {
		switch {
		case sess.Status != core.StatusExpired && sess.IsExpired(now, a.opts.Config.TTL):
			abandonFlow(sess, now)
			sess.Status = core.StatusExpired
			sess.UpdatedAt = now
			if err := a.store.Delete(ctx, sess.ID); err != nil {
				return stats, err
			}
			a.cacheDrop(sess.ID)
			stats.Expired++
			a.opts.Logger.Info("session expired", "session_id", sess.ID)

		case idleEligible(sess.Status) && now.Sub(sess.LastActivityAt) > a.opts.Config.IdleTimeout:
			abandonFlow(sess, now)
			sess.Status = core.StatusIdle
			sess.UpdatedAt = now
			if err := a.store.Save(ctx, sess); err != nil {
				return stats, err
			}
			a.cachePut(sess)
			stats.Idled++
			a.opts.Logger.Debug("session idled", "session_id", sess.ID)
		}
	}
	return stats, nil
}

func abandonFlow(sess *core.Session, now time.Time) {
	pos := sess.Context.Flow
	if pos == nil || pos.State != core.FlowActive {
		return
	}
	if n := len(pos.History); n > 0 && pos.History[n-1].ExitedAt == nil {
		exited := now
		pos.History[n-1].ExitedAt = &exited
	}
	pos.State = core.FlowAbandoned
}
