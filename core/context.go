package core

import "time"

// Variable is a value extracted from the conversation together with the
// certainty of the extraction and its provenance.
type Variable struct {
	Name            string    `json:"name"`
	Value           any       `json:"value"`
	Confidence      float64   `json:"confidence"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	ExtractedAt     time.Time `json:"extracted_at"`
}

// FlowState describes the lifecycle of an active flow position.
type FlowState string

const (
	// FlowActive means the flow is progressing through its steps.
	FlowActive FlowState = "active"
	// FlowCompleted means a terminal step was reached.
	FlowCompleted FlowState = "completed"
	// FlowAbandoned means the session went idle or expired mid-flow.
	FlowAbandoned FlowState = "abandoned"
	// FlowFailed means a step evaluation failed terminally.
	FlowFailed FlowState = "failed"
)

// StepVisit records one entry in the step history of a flow position.
// ExitedAt stays nil while the step is current.
type StepVisit struct {
	StepID    string     `json:"step_id"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// FlowPosition is the per-session runtime state of a flow. A nil
// position means no flow has been started.
type FlowPosition struct {
	FlowID      string      `json:"flow_id"`
	CurrentStep string      `json:"current_step"`
	State       FlowState   `json:"state"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	History     []StepVisit `json:"history,omitempty"`
}

// EnterStep closes the current step-history entry and opens one for the
// target step.
func (p *FlowPosition) EnterStep(stepID string, now time.Time) {
	if n := len(p.History); n > 0 && p.History[n-1].ExitedAt == nil {
		exited := now
		p.History[n-1].ExitedAt = &exited
	}
	p.CurrentStep = stepID
	p.History = append(p.History, StepVisit{StepID: stepID, EnteredAt: now})
}

// Complete marks the position completed and closes the open history entry.
func (p *FlowPosition) Complete(now time.Time) {
	if n := len(p.History); n > 0 && p.History[n-1].ExitedAt == nil {
		exited := now
		p.History[n-1].ExitedAt = &exited
	}
	p.State = FlowCompleted
	done := now
	p.CompletedAt = &done
}

// clone returns a deep copy of the flow position.
func (p *FlowPosition) clone() *FlowPosition {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	cp.History = make([]StepVisit, len(p.History))
	for i, v := range p.History {
		cp.History[i] = v
		if v.ExitedAt != nil {
			t := *v.ExitedAt
			cp.History[i].ExitedAt = &t
		}
	}
	return &cp
}

// Context is the mutable payload of a session: the ordered message
// history, the extracted variables and the optional active flow position.
type Context struct {
	Messages  []Message           `json:"messages"`
	Variables map[string]Variable `json:"variables"`
	Flow      *FlowPosition       `json:"flow,omitempty"`
}

// NewContext creates an empty context.
func NewContext() Context {
	return Context{Variables: map[string]Variable{}}
}

// Append adds a message to the history.
func (c *Context) Append(m Message) {
	c.Messages = append(c.Messages, m)
}

// SetVariable stores a variable, replacing any previous value.
func (c *Context) SetVariable(v Variable) {
	if c.Variables == nil {
		c.Variables = map[string]Variable{}
	}
	c.Variables[v.Name] = v
}

// Variable returns the named variable and whether it is present.
func (c *Context) Variable(name string) (Variable, bool) {
	v, ok := c.Variables[name]
	return v, ok
}

// HasVariables reports whether every named variable is present.
func (c *Context) HasVariables(names []string) bool {
	for _, n := range names {
		if _, ok := c.Variables[n]; !ok {
			return false
		}
	}
	return true
}

// LastMessage returns the most recent message, if any.
func (c *Context) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// History returns at most max messages, dropping the oldest first. A
// non-positive max returns the full history. The returned slice is a
// copy safe for independent use.
func (c *Context) History(max int) []Message {
	msgs := c.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// VariablesCopy returns a copy of the variable map.
func (c *Context) VariablesCopy() map[string]Variable {
	out := make(map[string]Variable, len(c.Variables))
	for k, v := range c.Variables {
		out[k] = v
	}
	return out
}

// clone returns a deep copy of the context.
func (c *Context) clone() Context {
	cp := Context{
		Messages:  make([]Message, len(c.Messages)),
		Variables: make(map[string]Variable, len(c.Variables)),
		Flow:      c.Flow.clone(),
	}
	for i, m := range c.Messages {
		cp.Messages[i] = m.clone()
	}
	for k, v := range c.Variables {
		cp.Variables[k] = v
	}
	return cp
}
