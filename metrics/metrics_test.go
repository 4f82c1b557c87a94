package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OrderPlaced("future", true)
	m.OrderPlaced("future", true)
	m.OrderPlaced("spread", false)
	m.GuardRejected("COOLDOWN")
	m.ExitFired("TRAILING_STOP")
	m.Portfolio(3, 1250.5, -200, true)
	m.BrokerError("close_position")
	m.ObserveScan(150 * time.Millisecond)
	m.SinkFailed("telegram")
	m.TickDropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.orders.WithLabelValues("future", "paper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("spread", "live")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("COOLDOWN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("TRAILING_STOP")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.open))
	assert.Equal(t, 1250.5, testutil.ToFloat64(m.portfolioPnL))
	assert.Equal(t, -200.0, testutil.ToFloat64(m.realizedPnL))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gtslActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticksDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["intraday_scan_duration_seconds"])
	assert.True(t, names["intraday_sink_failures_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderPlaced("future", false)
		m.GuardRejected("X")
		m.ExitFired("X")
		m.Portfolio(0, 0, 0, false)
		m.BrokerError("x")
		m.ObserveScan(time.Second)
		m.SinkFailed("x")
		m.TickDropped()
	})
}
