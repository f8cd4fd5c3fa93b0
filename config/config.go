// Package config centralizes the engine tunables. Values come from the
// environment under the CONVOCORE prefix with the documented defaults,
// e.g. CONVOCORE_RELEVANCE_THRESHOLD=0.4.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EngineConfig holds every tunable of the decision core.
type EngineConfig struct {
	// RelevanceThreshold is the global floor every matched rule must
	// clear.
	RelevanceThreshold float64 `envconfig:"RELEVANCE_THRESHOLD" default:"0.3"`
	// TopK bounds how many matched rules shape a turn.
	TopK int `envconfig:"TOP_K" default:"3"`
	// MaxHistory bounds the message window handed to the generator,
	// oldest dropped first.
	MaxHistory int `envconfig:"MAX_HISTORY" default:"50"`
	// ExtractionThreshold is the minimum confidence for an extracted
	// variable to be merged into context.
	ExtractionThreshold float64 `envconfig:"EXTRACTION_THRESHOLD" default:"0.5"`
	// AutoExtraction runs variable extraction on every inbound message.
	AutoExtraction bool `envconfig:"AUTO_EXTRACTION" default:"true"`
	// IdleTimeout moves inactive sessions to idle during sweeps.
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"300s"`
	// SessionTTL expires sessions this long after creation.
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"3600s"`
	// TurnBudget caps a whole turn's tool phase; zero disables it.
	// On expiry, not-yet-started tools are skipped and the turn
	// proceeds with partial results.
	TurnBudget time.Duration `envconfig:"TURN_BUDGET" default:"0"`
	// MaxConcurrentTools sizes the per-turn tool worker pool.
	MaxConcurrentTools int `envconfig:"MAX_CONCURRENT_TOOLS" default:"4"`
	// RejectBusy makes a second concurrent turn on a session fail
	// immediately instead of queueing.
	RejectBusy bool `envconfig:"REJECT_BUSY" default:"false"`
	// EnableExplainability includes per-rule reasoning and the full
	// survivor list in turn results.
	EnableExplainability bool `envconfig:"ENABLE_EXPLAINABILITY" default:"false"`
	// SystemPrompt is the base system prompt prepended to every
	// generation.
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" default:""`
}

// Default returns the documented defaults without reading the
// environment.
func Default() EngineConfig {
	return EngineConfig{
		RelevanceThreshold:  0.3,
		TopK:                3,
		MaxHistory:          50,
		ExtractionThreshold: 0.5,
		AutoExtraction:      true,
		IdleTimeout:         300 * time.Second,
		SessionTTL:          3600 * time.Second,
		MaxConcurrentTools:  4,
	}
}

// Load reads the configuration from the environment.
func Load() (EngineConfig, error) {
	var cfg EngineConfig
	if err := envconfig.Process("convocore", &cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}
