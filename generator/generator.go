// Package generator defines the language-model capability used by the
// decision core: free-form reply generation, condition scoring and
// structured variable extraction. Provider-backed implementations live
// in the subpackages; MockGenerator serves tests.
package generator

import (
	"context"

	"github.com/hupe1980/convocore/core"
)

// Request captures the normalized input for reply generation.
type Request struct {
	// System is the assembled system prompt, including any combined
	// rule action text.
	System string `json:"system"`
	// History is the bounded message window, oldest first.
	History []core.Message `json:"history"`
	// Outcomes carries the turn's tool results for grounding the reply.
	Outcomes []core.ToolOutcome `json:"outcomes,omitempty"`
}

// TokenUsage captures token accounting for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// Extraction is one extracted value with the backend's confidence in it.
type Extraction struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Info contains metadata about a generator implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock"
}

// Generator is the minimal interface the matcher, flow engine and
// runner need to drive a language model. Implementations must honor
// context cancellation on every call.
type Generator interface {
	// Generate produces a reply for the request.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Score rates how well text satisfies a natural-language condition,
	// in [0,1].
	Score(ctx context.Context, text, condition string) (float64, error)

	// Extract pulls the schema's properties out of text. Properties the
	// text does not mention are absent from the result, not zero-valued.
	Extract(ctx context.Context, text string, schema map[string]any) (map[string]Extraction, error)

	// Info returns information about the generator implementation.
	Info() Info
}
