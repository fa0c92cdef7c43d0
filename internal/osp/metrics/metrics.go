// Package metrics holds the OSP server's Prometheus collectors,
// constructed with the teacher's NewWithRegistry pattern but scoped to
// OSP's own metric surface rather than the generic HTTP/DB/blockchain
// set.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every OSP-specific collector.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	AgentExecDuration  *prometheus.HistogramVec
	DegradationLevel   prometheus.Gauge
	LLMTokensUsed      *prometheus.CounterVec
}

// New creates a Metrics instance registered with the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered with registerer.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osp_requests_total",
				Help: "Total number of OSP JSON-RPC requests by method and HTTP status",
			},
			[]string{"method", "status"},
		),
		AgentExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "osp_agent_execution_duration_seconds",
				Help:    "Duration of osp.execute skill invocations by skill_id",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"skill_id"},
		),
		DegradationLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "osp_degradation_level",
				Help: "Current degradation FSM level (0=D0_NORMAL .. 3=D3_CRITICAL)",
			},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "osp_llm_tokens_used",
				Help: "Total LLM tokens consumed by model, reported by downstream skills",
			},
			[]string{"model"},
		),
	}

	registerer.MustRegister(
		m.RequestsTotal,
		m.AgentExecDuration,
		m.DegradationLevel,
		m.LLMTokensUsed,
	)
	return m
}
