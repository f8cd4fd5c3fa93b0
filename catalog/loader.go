package catalog

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Bundle is the YAML document shape for declarative catalog setup.
// The whole bundle lands in one atomic swap, so rules scoped to a flow
// and flow steps naming those rules may reference each other freely.
type Bundle struct {
	Variables []VariableDef `yaml:"variables"`
	Tools     []bundleTool  `yaml:"tools"`
	Rules     []bundleRule  `yaml:"rules"`
	Flows     []Flow        `yaml:"flows"`
}

// bundleTool mirrors Tool with human-friendly duration fields.
type bundleTool struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Parameters   map[string]any `yaml:"parameters"`
	TimeoutMs    int            `yaml:"timeout_ms"`
	AllowFailure bool           `yaml:"allow_failure"`
	Retry        struct {
		MaxAttempts       int     `yaml:"max_attempts"`
		DelayMs           int     `yaml:"delay_ms"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	} `yaml:"retry"`
}

// bundleRule mirrors Rule with enabled defaulting to true.
type bundleRule struct {
	ID                string    `yaml:"id"`
	Priority          int       `yaml:"priority"`
	Mode              MatchMode `yaml:"mode"`
	Condition         string    `yaml:"condition"`
	Action            string    `yaml:"action"`
	Tools             []string  `yaml:"tools"`
	RequiredVariables []string  `yaml:"required_variables"`
	Parameters        []string  `yaml:"parameters"`
	Threshold         float64   `yaml:"threshold"`
	FlowID            string    `yaml:"flow_id"`
	StepID            string    `yaml:"step_id"`
	Enabled           *bool     `yaml:"enabled"`
}

// LoadBundle reads a YAML bundle and registers its contents through
// the same validation paths as programmatic registration.
func LoadBundle(c *Catalog, r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	var bundle Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}

	tools := make([]Tool, 0, len(bundle.Tools))
	for _, t := range bundle.Tools {
		tools = append(tools, Tool{
			Name:         t.Name,
			Description:  t.Description,
			Parameters:   t.Parameters,
			Timeout:      time.Duration(t.TimeoutMs) * time.Millisecond,
			AllowFailure: t.AllowFailure,
			Retry: RetryPolicy{
				MaxAttempts:       t.Retry.MaxAttempts,
				Delay:             time.Duration(t.Retry.DelayMs) * time.Millisecond,
				BackoffMultiplier: t.Retry.BackoffMultiplier,
			},
		})
	}
	rules := make([]Rule, 0, len(bundle.Rules))
	for _, br := range bundle.Rules {
		rules = append(rules, Rule{
			ID:                br.ID,
			Priority:          br.Priority,
			Mode:              br.Mode,
			Condition:         br.Condition,
			Action:            br.Action,
			Tools:             br.Tools,
			RequiredVariables: br.RequiredVariables,
			Parameters:        br.Parameters,
			Threshold:         br.Threshold,
			FlowID:            br.FlowID,
			StepID:            br.StepID,
			Enabled:           br.Enabled == nil || *br.Enabled,
		})
	}
	return c.Apply(bundle.Variables, tools, rules, bundle.Flows)
}

// LoadBundleFile reads a YAML bundle from disk.
func LoadBundleFile(c *Catalog, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	return LoadBundle(c, f)
}
