package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Recorder on a prometheus registry.
type Prometheus struct {
	turns          *prometheus.CounterVec
	turnLatency    *prometheus.HistogramVec
	tools          *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	generatorCalls *prometheus.CounterVec
	genLatency     *prometheus.HistogramVec
	swept          *prometheus.CounterVec
}

// NewPrometheus creates and registers the core's collectors. Pass
// prometheus.DefaultRegisterer for the default registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convocore", Name: "turns_total",
			Help: "Processed turns by agent and outcome.",
		}, []string{"agent_id", "error"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convocore", Name: "turn_duration_seconds",
			Help:    "End to end turn latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convocore", Name: "tool_executions_total",
			Help: "Tool executions by tool and outcome.",
		}, []string{"tool", "success"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convocore", Name: "tool_duration_seconds",
			Help:    "Tool execution latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		generatorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convocore", Name: "generator_calls_total",
			Help: "Generator round-trips by provider, operation and outcome.",
		}, []string{"provider", "op", "error"}),
		genLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "convocore", Name: "generator_duration_seconds",
			Help:    "Generator call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convocore", Name: "sessions_swept_total",
			Help: "Sessions transitioned by the lifecycle sweep.",
		}, []string{"transition"}),
	}
	reg.MustRegister(p.turns, p.turnLatency, p.tools, p.toolLatency, p.generatorCalls, p.genLatency, p.swept)
	return p
}

func (p *Prometheus) TurnProcessed(agentID string, elapsed time.Duration, err bool) {
	p.turns.WithLabelValues(agentID, strconv.FormatBool(err)).Inc()
	p.turnLatency.WithLabelValues(agentID).Observe(elapsed.Seconds())
}

func (p *Prometheus) ToolExecuted(tool string, elapsed time.Duration, success bool) {
	p.tools.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
	p.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (p *Prometheus) GeneratorCall(provider, op string, elapsed time.Duration, err bool) {
	p.generatorCalls.WithLabelValues(provider, op, strconv.FormatBool(err)).Inc()
	p.genLatency.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func (p *Prometheus) SessionsSwept(idled, expired int) {
	p.swept.WithLabelValues("idle").Add(float64(idled))
	p.swept.WithLabelValues("expired").Add(float64(expired))
}

var _ Recorder = (*Prometheus)(nil)
