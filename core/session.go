package core

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive means the session is processing or recently processed turns.
	StatusActive Status = "active"
	// StatusIdle means the idle timeout elapsed with no activity.
	StatusIdle Status = "idle"
	// StatusAwaitingInput means a flow step is waiting for the next user message.
	StatusAwaitingInput Status = "awaiting_input"
	// StatusAwaitingTool means tool execution for the current turn is in flight.
	StatusAwaitingTool Status = "awaiting_tool"
	// StatusCompleted means the session was explicitly closed.
	StatusCompleted Status = "completed"
	// StatusExpired means the ttl or explicit expiry passed.
	StatusExpired Status = "expired"
)

// Session binds an end user conversation to one agent: its lifecycle
// status, its context and its activity timestamps.
type Session struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Status         Status     `json:"status"`
	Context        Context    `json:"context"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// NewSession creates an active session for the given agent.
func NewSession(agentID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Status:         StatusActive,
		Context:        NewContext(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy. Stores hand out clones so callers can
// stage mutations without racing other readers.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Context = s.Context.clone()
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Touch records activity at the given instant and reactivates an idle
// session.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
	if s.Status == StatusIdle {
		s.Status = StatusActive
	}
}

// IsExpired reports whether the session has passed its explicit expiry
// or the configured ttl at the given instant. The ttl counts from
// creation, regardless of activity.
func (s *Session) IsExpired(now time.Time, ttl time.Duration) bool {
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return true
	}
	return ttl > 0 && now.Sub(s.CreatedAt) > ttl
}

// IsTerminal reports whether the session can no longer accept turns.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusExpired
}

// SessionConfig holds the lifecycle tunables applied by the session
// adapter.
type SessionConfig struct {
	// IdleTimeout moves an active session to idle during sweeps.
	IdleTimeout time.Duration
	// TTL expires a session regardless of status.
	TTL time.Duration
	// MaxHistory bounds the message window handed to generators.
	MaxHistory int
}

// DefaultSessionConfig mirrors the documented defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout: 300 * time.Second,
		TTL:         3600 * time.Second,
		MaxHistory:  50,
	}
}
