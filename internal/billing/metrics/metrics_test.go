package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))

	m.MeterFailed("ZERO_CONSUMPTION")
	m.RunFinished("PARTIAL", 1.5, 3, 98.7)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("PARTIAL")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InvoicesTotal))
	assert.InDelta(t, 98.7, testutil.ToFloat64(m.BilledAmountTotal), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MeterFailures.WithLabelValues("ZERO_CONSUMPTION")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted()
		m.MeterFailed("X")
		m.RunFinished("SUCCESS", 0, 0, 0)
	})
}
