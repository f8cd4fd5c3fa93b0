// Package tool executes registered external actions with schema
// validation, per-call deadlines and bounded retry. Handlers are the
// extension point; the executor owns timeout and retry semantics.
package tool

import (
	"context"
	"fmt"
)

// Handler is the implementation behind a registered tool. Handlers
// must be safe for concurrent use and should honor ctx cancellation;
// the executor stops waiting at the tool's deadline either way.
type Handler interface {
	// Invoke runs the action with already-validated arguments and
	// returns a JSON-serializable result.
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Error codes carried by ToolError.
const (
	// CodeValidation marks a schema or argument mismatch; the handler
	// was never invoked.
	CodeValidation = "VALIDATION_ERROR"
	// CodeExecution marks a terminal handler failure after retries.
	CodeExecution = "EXECUTION_ERROR"
	// CodeTimeout marks a deadline exceeded from the caller's view.
	CodeTimeout = "TIMEOUT"
	// CodeUnknown marks a dispatch to an unregistered tool.
	CodeUnknown = "UNKNOWN_TOOL"
)

// ToolError reports a failed tool execution with a categorized code
// and the number of attempts made.
type ToolError struct {
	Tool     string `json:"tool"`
	Message  string `json:"message"`
	Code     string `json:"code"`
	Attempts int    `json:"attempts,omitempty"`
	Err      error  `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError creates a ToolError.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
