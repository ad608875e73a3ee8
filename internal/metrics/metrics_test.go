// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Each test registers against a private registry

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordToolCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordToolCall("search", "web", true, 0.2)
	m.RecordToolCall("search", "web", false, 1.5)
	m.RecordToolCall("search", "web", true, 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("search", "web", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("search", "web", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolCallDuration))
}

func TestUsageDropped(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordUsageDropped()
	m.RecordUsageDropped()

	expected := `
		# HELP toolgate_usage_dropped_total Usage records dropped because the ledger queue was full
		# TYPE toolgate_usage_dropped_total counter
		toolgate_usage_dropped_total 2
	`
	require.NoError(t, testutil.CollectAndCompare(m.UsageDropped, strings.NewReader(expected)))
}

func TestCircuitsOpenGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetCircuitsOpen(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CircuitsOpen))
	m.SetCircuitsOpen(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitsOpen))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordToolCall("s", "t", true, 1)
	m.RecordRetry("s")
	m.SetCircuitsOpen(1)
	m.RecordUsageDropped()
	m.RecordLifecycle("start", true)
	m.RecordHealthCheck(false)
	m.RecordAccess(true)
	m.RecordSchedulerRun("health", false)
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
