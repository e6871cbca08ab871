package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveAdvancesCountersByDelta(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	prev := Sample{}
	prev = reg.Observe(prev, Sample{LiveSegments: 3, FreeQueueDepth: 1, BytesReclaimed: 100, ObjectsMoved: 2, PassesRun: 1})
	require.Equal(t, float64(3), gaugeValue(t, reg.LiveSegments))
	require.Equal(t, float64(100), counterValue(t, reg.BytesReclaimed))

	reg.Observe(prev, Sample{LiveSegments: 2, FreeQueueDepth: 0, BytesReclaimed: 150, ObjectsMoved: 5, PassesRun: 4})
	require.Equal(t, float64(2), gaugeValue(t, reg.LiveSegments))
	require.Equal(t, float64(150), counterValue(t, reg.BytesReclaimed))
	require.Equal(t, float64(5), counterValue(t, reg.ObjectsMoved))
	require.Equal(t, float64(4), counterValue(t, reg.CompactPasses))
}
