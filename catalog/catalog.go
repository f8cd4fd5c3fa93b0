// Package catalog holds the agent's rule, tool, flow and variable
// definitions behind a copy-on-write registry. Readers take an
// immutable Snapshot per turn; administrative writes build a new
// snapshot and swap it atomically, so an in-flight turn never observes
// a half-applied mutation.
package catalog

import (
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/convocore/core"
)

// Catalog is the mutable registry. The zero value is not usable; use
// New.
type Catalog struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of the registry. All reads during one
// turn should go through a single snapshot.
type Snapshot struct {
	rules     map[string]Rule
	tools     map[string]Tool
	flows     map[string]Flow
	variables map[string]VariableDef
	// patterns holds the compiled condition of every regex-mode rule,
	// keyed by rule id. Compiled once at registration.
	patterns map[string]*regexp.Regexp
}

// New creates an empty catalog.
func New() *Catalog {
	c := &Catalog{}
	c.snap.Store(&Snapshot{
		rules:     map[string]Rule{},
		tools:     map[string]Tool{},
		flows:     map[string]Flow{},
		variables: map[string]VariableDef{},
		patterns:  map[string]*regexp.Regexp{},
	})
	return c
}

// Snapshot returns the current immutable view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// mutate clones the current snapshot, applies fn and swaps. fn
// returning an error leaves the registry untouched.
func (c *Catalog) mutate(fn func(s *Snapshot) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	c.snap.Store(next)
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		rules:     make(map[string]Rule, len(s.rules)),
		tools:     make(map[string]Tool, len(s.tools)),
		flows:     make(map[string]Flow, len(s.flows)),
		variables: make(map[string]VariableDef, len(s.variables)),
		patterns:  make(map[string]*regexp.Regexp, len(s.patterns)),
	}
	for k, v := range s.rules {
		next.rules[k] = v
	}
	for k, v := range s.tools {
		next.tools[k] = v
	}
	for k, v := range s.flows {
		next.flows[k] = v
	}
	for k, v := range s.variables {
		next.variables[k] = v
	}
	for k, v := range s.patterns {
		next.patterns[k] = v
	}
	return next
}

// AddVariable registers a context variable declaration.
func (c *Catalog) AddVariable(def VariableDef) error {
	if def.Name == "" {
		return core.NewValidationError("variable", "name is required")
	}
	return c.mutate(func(s *Snapshot) error {
		s.variables[def.Name] = def
		return nil
	})
}

func checkTool(t Tool) error {
	if t.Name == "" {
		return core.NewValidationError("tool", "name is required")
	}
	if t.Retry.MaxAttempts < 0 {
		return core.NewValidationError("tool", "max_attempts must not be negative")
	}
	if t.Retry.BackoffMultiplier < 0 {
		return core.NewValidationError("tool", "backoff_multiplier must not be negative")
	}
	return nil
}

// AddTool registers a tool definition.
func (c *Catalog) AddTool(t Tool) error {
	if err := checkTool(t); err != nil {
		return err
	}
	return c.mutate(func(s *Snapshot) error {
		s.tools[t.Name] = t
		return nil
	})
}

// DeleteTool removes a tool. Fails if any rule still references it.
func (c *Catalog) DeleteTool(name string) error {
	return c.mutate(func(s *Snapshot) error {
		if _, ok := s.tools[name]; !ok {
			return core.NewNotFoundError("tool", name)
		}
		for _, r := range s.rules {
			for _, t := range r.Tools {
				if t == name {
					return core.NewValidationError("tool", "rule %q still references %q", r.ID, name)
				}
			}
		}
		delete(s.tools, name)
		return nil
	})
}

// prepareRule applies defaults and runs the reference-free checks.
func prepareRule(r Rule) (Rule, *regexp.Regexp, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Condition == "" {
		return Rule{}, nil, core.NewValidationError("rule", "condition is required")
	}
	if r.Mode == "" {
		r.Mode = ModeSemantic
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return Rule{}, nil, core.NewValidationError("rule", "threshold must be in [0,1]")
	}
	var pattern *regexp.Regexp
	if r.Mode == ModeRegex {
		var err error
		if pattern, err = regexp.Compile(r.Condition); err != nil {
			return Rule{}, nil, core.NewValidationError("rule", "bad condition pattern: %v", err)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r, pattern, nil
}

// checkRuleRefs verifies the rule's tool, variable and flow references
// against the snapshot.
func (s *Snapshot) checkRuleRefs(r Rule) error {
	for _, tool := range r.Tools {
		if _, ok := s.tools[tool]; !ok {
			return core.NewValidationError("rule", "unknown tool %q", tool)
		}
	}
	for _, v := range r.RequiredVariables {
		if _, ok := s.variables[v]; !ok {
			return core.NewValidationError("rule", "unknown variable %q", v)
		}
	}
	if r.FlowID != "" {
		flow, ok := s.flows[r.FlowID]
		if !ok {
			return core.NewNotFoundError("flow", r.FlowID)
		}
		if _, ok := flow.Step(r.StepID); !ok {
			return core.NewNotFoundError("step", r.StepID)
		}
	}
	return nil
}

// AddRule validates and registers a rule. A missing id is generated.
func (c *Catalog) AddRule(r Rule) (Rule, error) {
	r, pattern, err := prepareRule(r)
	if err != nil {
		return Rule{}, err
	}
	err = c.mutate(func(s *Snapshot) error {
		if err := s.checkRuleRefs(r); err != nil {
			return err
		}
		s.rules[r.ID] = r
		if pattern != nil {
			s.patterns[r.ID] = pattern
		}
		return nil
	})
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

// DeleteRule removes a rule.
func (c *Catalog) DeleteRule(id string) error {
	return c.mutate(func(s *Snapshot) error {
		if _, ok := s.rules[id]; !ok {
			return core.NewNotFoundError("rule", id)
		}
		delete(s.rules, id)
		delete(s.patterns, id)
		return nil
	})
}

// SetRuleEnabled flips a rule's enabled flag. Disabling takes effect
// for every match after the swap without a catalog reload.
func (c *Catalog) SetRuleEnabled(id string, enabled bool) error {
	return c.mutate(func(s *Snapshot) error {
		r, ok := s.rules[id]
		if !ok {
			return core.NewNotFoundError("rule", id)
		}
		r.Enabled = enabled
		s.rules[id] = r
		return nil
	})
}

// prepareFlow runs the reference-free flow checks: the initial step
// must exist, step ids must be unique, every transition target must
// name a step, and the step graph must be acyclic.
func prepareFlow(f Flow) error {
	if f.ID == "" {
		return core.NewValidationError("flow", "id is required")
	}
	if len(f.Steps) == 0 {
		return core.NewValidationError("flow", "at least one step is required")
	}
	steps := map[string]Step{}
	for _, s := range f.Steps {
		if s.ID == "" {
			return core.NewValidationError("flow", "step id is required")
		}
		if _, dup := steps[s.ID]; dup {
			return core.NewValidationError("flow", "duplicate step %q", s.ID)
		}
		steps[s.ID] = s
	}
	if _, ok := steps[f.InitialStep]; !ok {
		return core.NewValidationError("flow", "initial step %q does not exist", f.InitialStep)
	}
	for _, s := range f.Steps {
		for _, tr := range s.Transitions {
			if _, ok := steps[tr.Target]; !ok {
				return core.NewValidationError("flow", "step %q transitions to unknown step %q", s.ID, tr.Target)
			}
			if tr.Kind == TransitionPattern {
				if _, err := regexp.Compile(tr.Condition); err != nil {
					return core.NewValidationError("flow", "step %q has a bad transition pattern: %v", s.ID, err)
				}
			}
		}
	}
	if cycle := findCycle(f.InitialStep, steps); cycle != "" {
		return core.NewValidationError("flow", "step graph has a cycle through %q", cycle)
	}
	return nil
}

// checkFlowRefs verifies the flow's rule and variable references
// against the snapshot.
func (s *Snapshot) checkFlowRefs(f Flow) error {
	for _, step := range f.Steps {
		for _, ruleID := range step.RuleIDs {
			if _, ok := s.rules[ruleID]; !ok {
				return core.NewValidationError("flow", "step %q references unknown rule %q", step.ID, ruleID)
			}
		}
		for _, v := range step.RequiredVariables {
			if _, ok := s.variables[v]; !ok {
				return core.NewValidationError("flow", "step %q requires unknown variable %q", step.ID, v)
			}
		}
	}
	return nil
}

// AddFlow validates and registers a flow.
func (c *Catalog) AddFlow(f Flow) error {
	if err := prepareFlow(f); err != nil {
		return err
	}
	return c.mutate(func(s *Snapshot) error {
		if err := s.checkFlowRefs(f); err != nil {
			return err
		}
		s.flows[f.ID] = f
		return nil
	})
}

// Apply registers a whole bundle in one atomic swap. Cross references
// are validated against the fully populated snapshot, so rules scoped
// to a flow and steps naming those rules can live in the same bundle.
func (c *Catalog) Apply(vars []VariableDef, tools []Tool, rules []Rule, flows []Flow) error {
	type prepared struct {
		rule    Rule
		pattern *regexp.Regexp
	}
	preparedRules := make([]prepared, 0, len(rules))
	for _, r := range rules {
		pr, pattern, err := prepareRule(r)
		if err != nil {
			return err
		}
		preparedRules = append(preparedRules, prepared{rule: pr, pattern: pattern})
	}
	for _, f := range flows {
		if err := prepareFlow(f); err != nil {
			return err
		}
	}
	for _, v := range vars {
		if v.Name == "" {
			return core.NewValidationError("variable", "name is required")
		}
	}
	for _, t := range tools {
		if err := checkTool(t); err != nil {
			return err
		}
	}

	return c.mutate(func(s *Snapshot) error {
		for _, v := range vars {
			s.variables[v.Name] = v
		}
		for _, t := range tools {
			s.tools[t.Name] = t
		}
		for _, p := range preparedRules {
			s.rules[p.rule.ID] = p.rule
			if p.pattern != nil {
				s.patterns[p.rule.ID] = p.pattern
			}
		}
		for _, f := range flows {
			s.flows[f.ID] = f
		}
		for _, p := range preparedRules {
			if err := s.checkRuleRefs(p.rule); err != nil {
				return err
			}
		}
		for _, f := range flows {
			if err := s.checkFlowRefs(f); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteFlow removes a flow. Fails while rules are still scoped to it.
func (c *Catalog) DeleteFlow(id string) error {
	return c.mutate(func(s *Snapshot) error {
		if _, ok := s.flows[id]; !ok {
			return core.NewNotFoundError("flow", id)
		}
		for _, r := range s.rules {
			if r.FlowID == id {
				return core.NewValidationError("flow", "rule %q is still scoped to %q", r.ID, id)
			}
		}
		delete(s.flows, id)
		return nil
	})
}

// findCycle walks the step graph depth-first from the initial step and
// returns a step id on a cycle, or "".
func findCycle(start string, steps map[string]Step) string {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}

	var walk func(id string) string
	walk = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, tr := range steps[id].Transitions {
			if hit := walk(tr.Target); hit != "" {
				return hit
			}
		}
		state[id] = done
		return ""
	}
	return walk(start)
}

// Rules returns every rule sorted by id for deterministic iteration.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rule returns the rule with the given id.
func (s *Snapshot) Rule(id string) (Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// Pattern returns the compiled condition of a regex-mode rule.
func (s *Snapshot) Pattern(ruleID string) *regexp.Regexp {
	return s.patterns[ruleID]
}

// Tool returns the tool with the given name.
func (s *Snapshot) Tool(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Flow returns the flow with the given id.
func (s *Snapshot) Flow(id string) (Flow, bool) {
	f, ok := s.flows[id]
	return f, ok
}

// Variables returns the declared context variables keyed by name.
func (s *Snapshot) Variables() map[string]VariableDef {
	out := make(map[string]VariableDef, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// ExtractionSchema builds the JSON schema handed to the generator's
// extraction call from the declared variables.
func (s *Snapshot) ExtractionSchema() map[string]any {
	properties := make(map[string]any, len(s.variables))
	for name, def := range s.variables {
		typ := def.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if def.Description != "" {
			prop["description"] = def.Description
		}
		properties[name] = prop
	}
	return map[string]any{"type": "object", "properties": properties}
}
