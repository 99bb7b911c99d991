package nnpi

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks per-context performance and operational statistics: copy
// throughput, inference scheduling counts, and marker-wait latency.
type Metrics struct {
	// Copy counters
	CopyOps    atomic.Uint64 // Total copy commands scheduled
	CopyBytes  atomic.Uint64 // Total sizes recorded for successful copies
	CopyErrors atomic.Uint64 // Copy commands recorded as failed

	// Inference counters
	InferOps    atomic.Uint64 // Total inference requests scheduled
	InferErrors atomic.Uint64 // Inference requests recorded as failed

	// Ring buffer / channel statistics
	RingDepthTotal atomic.Uint64 // Cumulative ring occupancy samples
	RingDepthCount atomic.Uint64 // Number of ring occupancy measurements
	MaxRingDepth   atomic.Uint32 // Maximum observed ring occupancy

	// Marker-wait latency tracking (time from SyncPoint request to observed completion)
	TotalMarkerWaitNs atomic.Uint64
	MarkerWaitCount   atomic.Uint64

	// Latency histogram buckets (cumulative counts), keyed to marker-wait latency
	// Each bucket[i] contains the count of waits with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Context lifecycle
	StartTime atomic.Int64 // Context creation timestamp (UnixNano)
	StopTime  atomic.Int64 // Context teardown timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCopy records one copy command and whether it succeeded. The
// façade calls it with the outcome of each schedule call, not on
// completion events.
func (m *Metrics) RecordCopy(bytes uint64, success bool) {
	m.CopyOps.Add(1)
	if success {
		m.CopyBytes.Add(bytes)
	} else {
		m.CopyErrors.Add(1)
	}
}

// RecordInfer records one inference request and whether it succeeded.
// The façade calls it with the outcome of each schedule call, not on
// completion events.
func (m *Metrics) RecordInfer(success bool) {
	m.InferOps.Add(1)
	if !success {
		m.InferErrors.Add(1)
	}
}

// RecordMarkerWait records the latency of a resolved marker/sync-point wait.
func (m *Metrics) RecordMarkerWait(latencyNs uint64) {
	m.TotalMarkerWaitNs.Add(latencyNs)
	m.MarkerWaitCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordRingDepth records current ring buffer occupancy for statistics.
func (m *Metrics) RecordRingDepth(depth uint32) {
	m.RingDepthTotal.Add(uint64(depth))
	m.RingDepthCount.Add(1)

	for {
		current := m.MaxRingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxRingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Stop marks the context as torn down.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	CopyOps     uint64
	CopyBytes   uint64
	CopyErrors  uint64
	InferOps    uint64
	InferErrors uint64

	AvgRingDepth float64
	MaxRingDepth uint32

	AvgMarkerWaitNs uint64
	UptimeNs        uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CopyBandwidth float64 // Bytes per second
	TotalOps      uint64
	ErrorRate     float64 // Percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CopyOps:      m.CopyOps.Load(),
		CopyBytes:    m.CopyBytes.Load(),
		CopyErrors:   m.CopyErrors.Load(),
		InferOps:     m.InferOps.Load(),
		InferErrors:  m.InferErrors.Load(),
		MaxRingDepth: m.MaxRingDepth.Load(),
	}

	snap.TotalOps = snap.CopyOps + snap.InferOps

	ringDepthTotal := m.RingDepthTotal.Load()
	ringDepthCount := m.RingDepthCount.Load()
	if ringDepthCount > 0 {
		snap.AvgRingDepth = float64(ringDepthTotal) / float64(ringDepthCount)
	}

	totalWaitNs := m.TotalMarkerWaitNs.Load()
	waitCount := m.MarkerWaitCount.Load()
	if waitCount > 0 {
		snap.AvgMarkerWaitNs = totalWaitNs / waitCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.CopyBandwidth = float64(snap.CopyBytes) / uptimeSeconds
	}

	totalErrors := snap.CopyErrors + snap.InferErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if waitCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalWaits := m.MarkerWaitCount.Load()
	if totalWaits == 0 {
		return 0
	}

	targetCount := uint64(float64(totalWaits) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.CopyOps.Store(0)
	m.CopyBytes.Store(0)
	m.CopyErrors.Store(0)
	m.InferOps.Store(0)
	m.InferErrors.Store(0)
	m.RingDepthTotal.Store(0)
	m.RingDepthCount.Store(0)
	m.MaxRingDepth.Store(0)
	m.TotalMarkerWaitNs.Store(0)
	m.MarkerWaitCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, so a caller can forward
// context events to its own telemetry system instead of (or alongside) the
// built-in Metrics.
type Observer interface {
	// ObserveCopy is called for each completed copy command.
	ObserveCopy(bytes uint64, success bool)

	// ObserveInfer is called for each completed inference request.
	ObserveInfer(success bool)

	// ObserveMarkerWait is called for each resolved marker/sync-point wait.
	ObserveMarkerWait(latencyNs uint64)

	// ObserveRingDepth is called periodically with current ring occupancy.
	ObserveRingDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCopy(uint64, bool)      {}
func (NoOpObserver) ObserveInfer(bool)             {}
func (NoOpObserver) ObserveMarkerWait(uint64)      {}
func (NoOpObserver) ObserveRingDepth(uint32)       {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCopy(bytes uint64, success bool) {
	o.metrics.RecordCopy(bytes, success)
}

func (o *MetricsObserver) ObserveInfer(success bool) {
	o.metrics.RecordInfer(success)
}

func (o *MetricsObserver) ObserveMarkerWait(latencyNs uint64) {
	o.metrics.RecordMarkerWait(latencyNs)
}

func (o *MetricsObserver) ObserveRingDepth(depth uint32) {
	o.metrics.RecordRingDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
