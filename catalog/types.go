package catalog

import (
	"fmt"
	"regexp"
	"time"
)

// MatchMode selects how a rule's condition is evaluated against the
// inbound message.
type MatchMode string

const (
	// ModeSubstring matches when the condition occurs in the message,
	// case-insensitively. Scores 1.0 on match.
	ModeSubstring MatchMode = "substring"
	// ModeRegex matches the condition as a regular expression. Scores
	// 1.0 on match; capture groups feed tool parameters.
	ModeRegex MatchMode = "regex"
	// ModeSemantic scores the condition through the generator and
	// gates on the rule's threshold.
	ModeSemantic MatchMode = "semantic"
)

// Literal reports whether the mode matches without a generator call.
func (m MatchMode) Literal() bool {
	return m == ModeSubstring || m == ModeRegex
}

// Rule is one behavioral guideline: when its condition matches the
// inbound message it contributes action text and tool calls to the
// turn. Rules are immutable once snapshotted; mutation goes through the
// catalog.
type Rule struct {
	ID        string    `json:"id" yaml:"id"`
	Priority  int       `json:"priority" yaml:"priority"`
	Mode      MatchMode `json:"mode" yaml:"mode"`
	Condition string    `json:"condition" yaml:"condition"`
	Action    string    `json:"action" yaml:"action"`
	// Tools names the registered tools this rule wants executed.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// RequiredVariables gate the rule: all must be present in context.
	RequiredVariables []string `json:"required_variables,omitempty" yaml:"required_variables,omitempty"`
	// Parameters names the values regex capture groups bind to, in
	// group order.
	Parameters []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// Threshold overrides the global relevance floor for semantic
	// rules. Zero means use the global default.
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// FlowID/StepID scope the rule to one step of a flow. Unscoped
	// rules match everywhere.
	FlowID    string    `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
	StepID    string    `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// RetryPolicy bounds handler retries for a tool.
type RetryPolicy struct {
	// MaxAttempts caps invocations, first attempt included. Zero or
	// one means no retry.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Delay is the gap before the second attempt.
	Delay time.Duration `json:"delay" yaml:"delay"`
	// BackoffMultiplier scales the gap for each further attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Tool describes an external action the executor may dispatch.
type Tool struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Parameters is a JSON schema object validated before dispatch.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout    time.Duration  `json:"timeout" yaml:"timeout"`
	Retry      RetryPolicy    `json:"retry" yaml:"retry"`
	// AllowFailure keeps the turn alive when the tool fails terminally.
	AllowFailure bool `json:"allow_failure" yaml:"allow_failure"`
}

// TransitionKind selects how a transition condition is evaluated.
type TransitionKind string

const (
	// TransitionAlways fires unconditionally.
	TransitionAlways TransitionKind = "always"
	// TransitionPattern fires when the condition regex matches the
	// message.
	TransitionPattern TransitionKind = "pattern"
	// TransitionVariable fires when a context variable equals a value.
	TransitionVariable TransitionKind = "variable"
	// TransitionSemantic fires when the generator scores the condition
	// as met.
	TransitionSemantic TransitionKind = "semantic"
)

// Transition is one directed edge out of a flow step.
type Transition struct {
	Target    string         `json:"target" yaml:"target"`
	Kind      TransitionKind `json:"kind" yaml:"kind"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Variable/Equals apply to TransitionVariable.
	Variable string `json:"variable,omitempty" yaml:"variable,omitempty"`
	Equals   string `json:"equals,omitempty" yaml:"equals,omitempty"`
	Priority int    `json:"priority" yaml:"priority"`
}

// Step is one state of a flow.
type Step struct {
	ID                string       `json:"id" yaml:"id"`
	RuleIDs           []string     `json:"rule_ids,omitempty" yaml:"rule_ids,omitempty"`
	RequiredVariables []string     `json:"required_variables,omitempty" yaml:"required_variables,omitempty"`
	Transitions       []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Terminal          bool         `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// Flow is a multi-step interaction definition. The step graph must be
// acyclic; registration rejects cycles.
type Flow struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	InitialStep string `json:"initial_step" yaml:"initial_step"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step returns the step with the given id.
func (f Flow) Step(id string) (Step, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// ValidatorKind selects the value check applied to an extracted
// variable.
type ValidatorKind string

const (
	ValidatorString ValidatorKind = "string"
	ValidatorInt    ValidatorKind = "int"
	ValidatorFloat  ValidatorKind = "float"
	ValidatorBool   ValidatorKind = "bool"
	ValidatorEnum   ValidatorKind = "enum"
)

// Validator constrains the values accepted for a context variable.
// Extracted values failing their validator are discarded before the
// confidence merge.
type Validator struct {
	Kind    ValidatorKind `json:"kind" yaml:"kind"`
	Pattern string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLen  int           `json:"min_len,omitempty" yaml:"min_len,omitempty"`
	MaxLen  int           `json:"max_len,omitempty" yaml:"max_len,omitempty"`
	Min     *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Values  []string      `json:"values,omitempty" yaml:"values,omitempty"`
}

// Validate checks the value against the constraint.
func (v *Validator) Validate(value any) error {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case ValidatorString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if v.MinLen > 0 && len(s) < v.MinLen {
			return fmt.Errorf("shorter than %d", v.MinLen)
		}
		if v.MaxLen > 0 && len(s) > v.MaxLen {
			return fmt.Errorf("longer than %d", v.MaxLen)
		}
		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				return fmt.Errorf("bad pattern: %w", err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("does not match %q", v.Pattern)
			}
		}
	case ValidatorInt, ValidatorFloat:
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		if v.Kind == ValidatorInt && f != float64(int64(f)) {
			return fmt.Errorf("expected integer, got %v", value)
		}
		if v.Min != nil && f < *v.Min {
			return fmt.Errorf("below minimum %v", *v.Min)
		}
		if v.Max != nil && f > *v.Max {
			return fmt.Errorf("above maximum %v", *v.Max)
		}
	case ValidatorBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case ValidatorEnum:
		s := fmt.Sprintf("%v", value)
		for _, allowed := range v.Values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum", s)
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// VariableDef declares a context variable the core may auto-extract.
type VariableDef struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	// Type is the JSON schema type used for extraction prompts.
	Type      string     `json:"type,omitempty" yaml:"type,omitempty"`
	Validator *Validator `json:"validator,omitempty" yaml:"validator,omitempty"`
}
