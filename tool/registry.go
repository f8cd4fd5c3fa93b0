package tool

import (
	"sync"

	"github.com/hupe1980/convocore/core"
)

// Registry maps tool names to handlers. Safe for concurrent use;
// registration is expected at startup but works at any time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a tool name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return core.NewValidationError("handler", "name is required")
	}
	if h == nil {
		return core.NewValidationError("handler", "handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// RegisterFunc binds a plain function as a handler.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	return r.Register(name, fn)
}

// Handler returns the handler for a tool name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
