// Package match ranks catalog rules against an inbound message. The
// pipeline filters by enabled flag, flow scope and required variables,
// scores the rest, sorts deterministically and keeps the top K, then
// derives the tool plan and the combined action text.
package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/convocore/catalog"
	"github.com/hupe1980/convocore/core"
	"github.com/hupe1980/convocore/generator"
	"github.com/hupe1980/convocore/logging"
)

// Options configure the matcher.
type Options struct {
	// Threshold is the global relevance floor applied to every
	// survivor.
	Threshold float64
	// TopK bounds how many rules shape the turn.
	TopK int
	Logger logging.Logger
}

// Match is the per-turn record of one matched rule. Ephemeral: never
// persisted beyond the turn's result.
type Match struct {
	RuleID    string  `json:"rule_id"`
	Priority  int     `json:"priority"`
	Relevance float64 `json:"relevance"`
	Confidence float64 `json:"confidence"`
	// Parameters holds values bound from regex capture groups.
	Parameters map[string]any `json:"parameters,omitempty"`
	// ContextSnapshot carries the rule's required variables as seen at
	// match time.
	ContextSnapshot map[string]core.Variable `json:"context_snapshot,omitempty"`
	Reasoning       string                   `json:"reasoning,omitempty"`
	MatchedAt       time.Time                `json:"matched_at"`
}

// PlannedCall is one tool invocation derived from the top-K rules.
type PlannedCall struct {
	Tool       catalog.Tool   `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// RuleID names the highest-priority rule that requested the tool.
	RuleID string `json:"rule_id"`
}

// Result is the matcher's output for one turn.
type Result struct {
	// Survivors is the full ranked list that passed every gate.
	Survivors []Match `json:"survivors"`
	// TopK is the leading subset of Survivors.
	TopK []Match `json:"top_k"`
	// CombinedAction concatenates the top-K action texts in order.
	CombinedAction string `json:"combined_action"`
	// Plan lists the deduplicated tool calls to execute.
	Plan []PlannedCall `json:"plan"`
}

// Matcher scores and ranks rules. Safe for concurrent use; all mutable
// state lives in the snapshot passed per call.
type Matcher struct {
	gen  generator.Generator
	opts Options
}

// New creates a matcher with the documented defaults (threshold 0.3,
// top K 3).
func New(gen generator.Generator, optFns ...func(o *Options)) *Matcher {
	opts := Options{
		Threshold: 0.3,
		TopK:      3,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Matcher{gen: gen, opts: opts}
}

// Match runs the pipeline for one message. flowPos may be nil when no
// flow is active. Zero survivors is not an error: the result carries an
// empty plan and the turn proceeds with pure generation.
func (m *Matcher) Match(ctx context.Context, snap *catalog.Snapshot, message core.Message, convCtx *core.Context, flowPos *core.FlowPosition) (*Result, error) {
	survivors := make([]Match, 0)

	for _, rule := range snap.Rules() {
		if !rule.Enabled {
			continue
		}
		if !inScope(rule, flowPos) {
			continue
		}
		// Required variables are a hard gate, not a score penalty.
		if !convCtx.HasVariables(rule.RequiredVariables) {
			continue
		}

		match, ok, err := m.score(ctx, snap, rule, message)
		if err != nil {
			return nil, err
		}
		if !ok || match.Relevance < m.opts.Threshold {
			continue
		}
		for _, name := range rule.RequiredVariables {
			if v, present := convCtx.Variable(name); present {
				if match.ContextSnapshot == nil {
					match.ContextSnapshot = map[string]core.Variable{}
				}
				match.ContextSnapshot[name] = v
			}
		}
		survivors = append(survivors, match)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		return a.RuleID < b.RuleID
	})

	topK := survivors
	if len(topK) > m.opts.TopK {
		topK = topK[:m.opts.TopK]
	}

	plan, err := m.buildPlan(ctx, snap, message, topK)
	if err != nil {
		return nil, err
	}

	var actions []string
	for _, match := range topK {
		if rule, ok := snap.Rule(match.RuleID); ok && rule.Action != "" {
			actions = append(actions, rule.Action)
		}
	}

	m.opts.Logger.Debug("rules matched",
		"survivors", len(survivors), "selected", len(topK), "planned_tools", len(plan))

	return &Result{
		Survivors: survivors,
		TopK:      topK,
		CombinedAction: strings.Join(actions, "\n"),
		Plan:           plan,
	}, nil
}

// inScope keeps unscoped rules always, and flow-scoped rules only at
// their exact (flow, step) while that flow is active.
func inScope(rule catalog.Rule, flowPos *core.FlowPosition) bool {
	if rule.FlowID == "" {
		return true
	}
	if flowPos == nil || flowPos.State != core.FlowActive {
		return false
	}
	return rule.FlowID == flowPos.FlowID && rule.StepID == flowPos.CurrentStep
}

// score evaluates one rule's condition. Literal modes score 1.0 or
// drop; semantic mode keeps the similarity and gates on the rule's own
// threshold.
func (m *Matcher) score(ctx context.Context, snap *catalog.Snapshot, rule catalog.Rule, message core.Message) (Match, bool, error) {
	match := Match{
		RuleID:    rule.ID,
		Priority:  rule.Priority,
		MatchedAt: time.Now().UTC(),
	}

	switch rule.Mode {
	case catalog.ModeSubstring:
		if !strings.Contains(strings.ToLower(message.Content), strings.ToLower(rule.Condition)) {
			return Match{}, false, nil
		}
		match.Relevance = 1.0
		match.Confidence = 1.0
		match.Reasoning = fmt.Sprintf("message contains %q", rule.Condition)

	case catalog.ModeRegex:
		pattern := snap.Pattern(rule.ID)
		groups := pattern.FindStringSubmatch(message.Content)
		if groups == nil {
			return Match{}, false, nil
		}
		match.Relevance = 1.0
		match.Confidence = 1.0
		match.Reasoning = fmt.Sprintf("message matches pattern %q", rule.Condition)
		match.Parameters = bindCaptures(rule.Parameters, groups)

	case catalog.ModeSemantic:
		score, err := m.gen.Score(ctx, message.Content, rule.Condition)
		if err != nil {
			return Match{}, false, &core.GeneratorError{Provider: m.gen.Info().Provider, Op: "score", Err: err}
		}
		if rule.Threshold > 0 && score < rule.Threshold {
			return Match{}, false, nil
		}
		match.Relevance = score
		match.Confidence = score
		match.Reasoning = fmt.Sprintf("condition %q scored %.2f", rule.Condition, score)

	default:
		return Match{}, false, nil
	}

	return match, true, nil
}

// bindCaptures maps capture groups onto the rule's declared parameter
// names positionally. groups[0] is the whole match and is skipped.
func bindCaptures(names []string, groups []string) map[string]any {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		if i+1 < len(groups) {
			out[name] = groups[i+1]
		}
	}
	return out
}

// buildPlan derives the deduplicated tool calls for the top-K rules.
// A tool requested by several rules keeps the instance from the
// highest-priority source rule; topK is already in selection order.
func (m *Matcher) buildPlan(ctx context.Context, snap *catalog.Snapshot, message core.Message, topK []Match) ([]PlannedCall, error) {
	var plan []PlannedCall
	seen := map[string]bool{}

	for _, match := range topK {
		rule, ok := snap.Rule(match.RuleID)
		if !ok {
			continue
		}
		for _, name := range rule.Tools {
			if seen[name] {
				continue
			}
			seen[name] = true
			tool, ok := snap.Tool(name)
			if !ok {
				return nil, core.NewNotFoundError("tool", name)
			}

			params := map[string]any{}
			for k, v := range match.Parameters {
				params[k] = v
			}
			if err := m.extractMissing(ctx, message, tool, params); err != nil {
				return nil, err
			}
			plan = append(plan, PlannedCall{Tool: tool, Parameters: params, RuleID: rule.ID})
		}
	}
	return plan, nil
}

// extractMissing fills schema properties absent from params via the
// generator's extraction call.
func (m *Matcher) extractMissing(ctx context.Context, message core.Message, tool catalog.Tool, params map[string]any) error {
	properties, _ := tool.Parameters["properties"].(map[string]any)
	missing := false
	for name := range properties {
		if _, ok := params[name]; !ok {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	extracted, err := m.gen.Extract(ctx, message.Content, tool.Parameters)
	if err != nil {
		return &core.GeneratorError{Provider: m.gen.Info().Provider, Op: "extract", Err: err}
	}
	for name, ex := range extracted {
		if _, ok := properties[name]; !ok {
			continue
		}
		if _, ok := params[name]; !ok {
			params[name] = ex.Value
		}
	}
	return nil
}
