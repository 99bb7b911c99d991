package nnpi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	require.Equal(t, uint64(0), snap.TotalOps)

	m.RecordCopy(1024, true)
	m.RecordCopy(2048, true)
	m.RecordCopy(512, false)

	snap = m.Snapshot()
	require.Equal(t, uint64(3), snap.CopyOps)
	require.Equal(t, uint64(1024+2048), snap.CopyBytes)
	require.Equal(t, uint64(1), snap.CopyErrors)

	expectedErrorRate := float64(1) / float64(3) * 100.0
	require.InDelta(t, expectedErrorRate, snap.ErrorRate, 0.1)
}

func TestMetricsInfer(t *testing.T) {
	m := NewMetrics()

	m.RecordInfer(true)
	m.RecordInfer(true)
	m.RecordInfer(false)

	snap := m.Snapshot()
	require.Equal(t, uint64(3), snap.InferOps)
	require.Equal(t, uint64(1), snap.InferErrors)
}

func TestMetricsRingDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordRingDepth(10)
	m.RecordRingDepth(20)
	m.RecordRingDepth(15)

	snap := m.Snapshot()
	require.Equal(t, uint32(20), snap.MaxRingDepth)

	expectedAvg := float64(10+20+15) / 3.0
	require.InDelta(t, expectedAvg, snap.AvgRingDepth, 0.1)
}

func TestMetricsMarkerWaitLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordMarkerWait(1_000_000) // 1ms
	m.RecordMarkerWait(2_000_000) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	require.Equal(t, expectedAvgNs, snap.AvgMarkerWaitNs)
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	require.LessOrEqual(t, snap2.UptimeNs, snap.UptimeNs+uint64(2*time.Millisecond))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCopy(1024, true)
	m.RecordInfer(true)
	m.RecordRingDepth(10)

	snap := m.Snapshot()
	require.NotZero(t, snap.TotalOps)

	m.Reset()

	snap = m.Snapshot()
	require.Zero(t, snap.TotalOps)
	require.Zero(t, snap.CopyBytes)
	require.Zero(t, snap.MaxRingDepth)
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	require.NotPanics(t, func() {
		observer.ObserveCopy(1024, true)
		observer.ObserveInfer(true)
		observer.ObserveMarkerWait(1_000_000)
		observer.ObserveRingDepth(10)
	})

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveCopy(1024, true)
	metricsObserver.ObserveInfer(true)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.CopyOps)
	require.Equal(t, uint64(1), snap.InferOps)
	require.Equal(t, uint64(1024), snap.CopyBytes)
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCopy(1024, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()
	require.InDelta(t, 1024.0, snap.CopyBandwidth, 50.0)
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordMarkerWait(500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordMarkerWait(5_000_000) // 5ms
	}
	m.RecordMarkerWait(50_000_000) // 50ms (P99)

	snap := m.Snapshot()

	require.InDelta(t, float64(500_000), float64(snap.LatencyP50Ns), 500_000)
	require.GreaterOrEqual(t, snap.LatencyP99Ns, uint64(5_000_000))
	require.LessOrEqual(t, snap.LatencyP99Ns, uint64(100_000_000))

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	require.NotZero(t, totalInBuckets)
}
