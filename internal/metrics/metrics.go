// ABOUTME: Prometheus collectors for tool calls, circuits, usage queue and lifecycle
// ABOUTME: All methods are nil-safe so components can run without metrics wired

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the control plane exports.
type Metrics struct {
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ToolCallRetries  *prometheus.CounterVec
	CircuitsOpen     prometheus.Gauge
	UsageDropped     prometheus.Counter
	LifecycleOps     *prometheus.CounterVec
	HealthChecks     *prometheus.CounterVec
	AccessDecisions  *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec
}

// New registers collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Total tool invocations by server, tool and outcome",
		}, []string{"server", "tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_call_duration_seconds",
			Help:    "Tool invocation latency including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"server", "tool"}),
		ToolCallRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_remote_retries_total",
			Help: "Retried remote operations by server",
		}, []string{"server"}),
		CircuitsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_circuits_open",
			Help: "Number of servers whose circuit breaker is open",
		}),
		UsageDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_usage_dropped_total",
			Help: "Usage records dropped because the ledger queue was full",
		}),
		LifecycleOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_lifecycle_operations_total",
			Help: "Lifecycle operations by kind and outcome",
		}, []string{"op", "status"}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_health_checks_total",
			Help: "Health check results by outcome",
		}, []string{"result"}),
		AccessDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_access_decisions_total",
			Help: "Access resolver decisions",
		}, []string{"decision"}),
		SchedulerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_scheduler_runs_total",
			Help: "Reconciliation loop iterations by loop and outcome",
		}, []string{"loop", "status"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordToolCall counts one call and observes its latency.
func (m *Metrics) RecordToolCall(server, tool string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(server, tool, outcome(ok)).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool).Observe(seconds)
}

func (m *Metrics) RecordRetry(server string) {
	if m == nil {
		return
	}
	m.ToolCallRetries.WithLabelValues(server).Inc()
}

// SetCircuitsOpen publishes the number of tripped breakers.
func (m *Metrics) SetCircuitsOpen(n int) {
	if m == nil {
		return
	}
	m.CircuitsOpen.Set(float64(n))
}

func (m *Metrics) RecordUsageDropped() {
	if m == nil {
		return
	}
	m.UsageDropped.Inc()
}

func (m *Metrics) RecordLifecycle(op string, ok bool) {
	if m == nil {
		return
	}
	m.LifecycleOps.WithLabelValues(op, outcome(ok)).Inc()
}

func (m *Metrics) RecordHealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAccess(allowed bool) {
	if m == nil {
		return
	}
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.AccessDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordSchedulerRun(loop string, ok bool) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(loop, outcome(ok)).Inc()
}
