package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/blockstore/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestSetJournalAndBitmap(t *testing.T) {
	requireT := require.New(t)
	m := metrics.New(prometheus.NewRegistry())

	m.SetJournal(1024, 4096)
	requireT.Equal(float64(1024), gaugeValue(t, m.JournalUsed))
	requireT.Equal(float64(4096), gaugeValue(t, m.JournalFree))

	m.SetBitmap(16, 12)
	requireT.Equal(float64(16), gaugeValue(t, m.DataBlocksTot))
	requireT.Equal(float64(12), gaugeValue(t, m.DataBlocksFre))
}

func TestSetIndexSizesAndQueueDepth(t *testing.T) {
	requireT := require.New(t)
	m := metrics.New(prometheus.NewRegistry())

	m.SetIndexSizes(3, 7)
	requireT.Equal(float64(3), gaugeValue(t, m.DirtyEntries))
	requireT.Equal(float64(7), gaugeValue(t, m.CleanEntries))

	m.SetQueueDepth(2)
	m.SetInFlightOps(5)
	requireT.Equal(float64(2), gaugeValue(t, m.QueueDepth))
	requireT.Equal(float64(5), gaugeValue(t, m.InFlightOps))
}

func TestRecordOpAndWait(t *testing.T) {
	requireT := require.New(t)
	m := metrics.New(prometheus.NewRegistry())

	m.RecordOp("WRITE", "ok", 0.002)
	m.RecordOp("WRITE", "ok", 0.004)
	requireT.Equal(float64(2), counterValue(t, m.OpsTotal.WithLabelValues("WRITE", "ok")))

	m.RecordWait("JOURNAL")
	requireT.Equal(float64(1), counterValue(t, m.WaitsTotal.WithLabelValues("JOURNAL")))
}
