package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters/histograms exposed on /metrics, grounded on
// the teacher's prometheus wiring (internal/observability/metrics.go).
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	ToolCallsTotal  *prometheus.CounterVec
	BudgetBlocks    *prometheus.CounterVec
	ModelLatency    *prometheus.HistogramVec
}

// NewMetrics registers the runtime's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_requests_total",
			Help: "Total agent requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_tool_calls_total",
			Help: "Total tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		BudgetBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runtime_budget_blocks_total",
			Help: "Requests blocked by budget enforcement, by tenant.",
		}, []string{"tenant"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "runtime_model_call_seconds",
			Help: "Model call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
	}
	reg.MustRegister(m.RequestsTotal, m.ToolCallsTotal, m.BudgetBlocks, m.ModelLatency)
	return m
}
