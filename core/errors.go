package core

import (
	"errors"
	"fmt"
)

// ErrNoValidTransition signals that no transition out of the current
// flow step matched. It is non-fatal: the flow stays where it is.
var ErrNoValidTransition = errors.New("no valid transition")

// ErrFlowAlreadyActive signals that a flow start was attempted while
// another flow is active on the session.
var ErrFlowAlreadyActive = errors.New("flow already active")

// NotFoundError reports a lookup for an unknown entity. Kind names the
// entity class (agent, session, rule, tool, flow, step).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports a malformed registration or call, rejected
// before any mutation took place.
type ValidationError struct {
	Entity string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(entity, format string, args ...any) *ValidationError {
	return &ValidationError{Entity: entity, Reason: fmt.Sprintf(format, args...)}
}

// ConcurrencyError reports that a turn is already in flight for the
// session. Callers must queue or reject, never interleave.
type ConcurrencyError struct {
	SessionID string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("turn already in flight for session %q", e.SessionID)
}

// GeneratorError wraps a generator backend failure. The inbound user
// message stays persisted when this is returned from a turn, but no
// reply is produced.
type GeneratorError struct {
	Provider string
	Op       string
	Err      error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }
