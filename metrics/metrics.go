// Package metrics defines the small instrumentation surface the core
// emits to. The default NoOp recorder keeps the core free of any
// registry requirement; Prometheus wiring lives in prometheus.go.
package metrics

import "time"

// Recorder receives the core's measurements.
type Recorder interface {
	// TurnProcessed records one completed (or failed) turn.
	TurnProcessed(agentID string, elapsed time.Duration, err bool)
	// ToolExecuted records one tool call with its terminal outcome.
	ToolExecuted(tool string, elapsed time.Duration, success bool)
	// GeneratorCall records one generator round-trip.
	GeneratorCall(provider, op string, elapsed time.Duration, err bool)
	// SessionsSwept records the result of one lifecycle sweep.
	SessionsSwept(idled, expired int)
}

// NoOp discards all measurements.
type NoOp struct{}

func (NoOp) TurnProcessed(string, time.Duration, bool)           {}
func (NoOp) ToolExecuted(string, time.Duration, bool)            {}
func (NoOp) GeneratorCall(string, string, time.Duration, bool)   {}
func (NoOp) SessionsSwept(int, int)                              {}

var _ Recorder = NoOp{}
