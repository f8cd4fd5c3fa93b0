package core

// ToolOutcome is the recorded result of one planned tool call within a
// turn. Failed-but-allowed and skipped calls are still recorded so the
// generator and the caller see the full plan.
type ToolOutcome struct {
	Tool      string         `json:"tool"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Attempts  int            `json:"attempts"`
	Skipped   bool           `json:"skipped,omitempty"`
}
