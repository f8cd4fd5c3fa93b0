// Package session owns session persistence and lifecycle: a volatile
// in-memory Store, and the Adapter that fronts any core.Store with a
// cache and the idle/ttl sweep. A Redis-backed Store lives in the
// redis subpackage.
package session

import (
	"context"
	"sync"

	"github.com/hupe1980/convocore/core"
)

// InMemoryStore is a volatile core.Store keeping sessions in a process
// local map. Safe for concurrent access and best suited for tests or
// ephemeral demo servers. Every session crossing the boundary is
// cloned so callers never share memory with the stored record.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.Session)}
}

// Save implements core.Store.
func (s *InMemoryStore) Save(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load implements core.Store.
func (s *InMemoryStore) Load(_ context.Context, sessionID string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.NewNotFoundError("session", sessionID)
	}
	return sess.Clone(), nil
}

// Delete implements core.Store.
func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// List implements core.Store.
func (s *InMemoryStore) List(_ context.Context, filter core.SessionFilter) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Session
	for _, sess := range s.sessions {
		if filter.AgentID != "" && sess.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		out = append(out, sess.Clone())
	}
	return out, nil
}

// CleanupExpired implements core.Store.
func (s *InMemoryStore) CleanupExpired(_ context.Context, predicate func(*core.Session) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if predicate(sess) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

var _ core.Store = (*InMemoryStore)(nil)
