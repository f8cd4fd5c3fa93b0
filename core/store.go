package core

import "context"

// SessionFilter narrows List results. Zero values match everything.
type SessionFilter struct {
	AgentID string
	Status  Status
}

// Store is the persistence capability for sessions. Implementations
// must return clones from Load and persist clones in Save so callers
// never share memory with the stored record.
type Store interface {
	// Save persists the session, replacing any record with the same id.
	Save(ctx context.Context, sess *Session) error

	// Load returns the session or a *NotFoundError.
	Load(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns sessions matching the filter, in unspecified order.
	List(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// CleanupExpired removes sessions whose expiry predicate holds and
	// returns how many were evicted.
	CleanupExpired(ctx context.Context, predicate func(*Session) bool) (int, error)
}
