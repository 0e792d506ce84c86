package rdmafetch

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// spanning 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-stage counters and latency for the fetch pipeline:
// register, post, complete (RDMA READ finishing), deregister-or-copy, and
// final reassembly.
type Metrics struct {
	RegisterOps   atomic.Uint64
	PostOps       atomic.Uint64
	CompleteOps   atomic.Uint64
	FinishOps     atomic.Uint64 // deregistered (zero-copy) or copied (Copy variant)
	ReassembleOps atomic.Uint64

	BytesFetched atomic.Uint64

	RegisterErrors   atomic.Uint64
	PostErrors       atomic.Uint64
	CompleteErrors   atomic.Uint64
	FinishErrors     atomic.Uint64
	ReassembleErrors atomic.Uint64

	// TransientRetries counts OutOfMemory retries absorbed during
	// registration and posting — never surfaced as errors, but worth
	// observing.
	TransientRetries atomic.Uint64

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.totalLatencyNs.Add(latencyNs)
	m.opCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.latencyBuckets[i].Add(1)
		}
	}
}

// RecordRegister records one chunk's memory registration.
func (m *Metrics) RecordRegister(latencyNs uint64, success bool) {
	m.RegisterOps.Add(1)
	if !success {
		m.RegisterErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPost records one chunk's RDMA READ being posted.
func (m *Metrics) RecordPost(latencyNs uint64, success bool) {
	m.PostOps.Add(1)
	if !success {
		m.PostErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordComplete records one chunk's RDMA READ completing, bytes being
// the chunk size on success.
func (m *Metrics) RecordComplete(bytes uint64, latencyNs uint64, success bool) {
	m.CompleteOps.Add(1)
	if success {
		m.BytesFetched.Add(bytes)
	} else {
		m.CompleteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFinish records one chunk's deregistration (zero-copy variants) or
// copy-into-destination (Copy variant).
func (m *Metrics) RecordFinish(latencyNs uint64, success bool) {
	m.FinishOps.Add(1)
	if !success {
		m.FinishErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReassemble records one request's final chunk reassembly.
func (m *Metrics) RecordReassemble(latencyNs uint64, success bool) {
	m.ReassembleOps.Add(1)
	if !success {
		m.ReassembleErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTransientRetry records an absorbed OutOfMemory retry.
func (m *Metrics) RecordTransientRetry() {
	m.TransientRetries.Add(1)
}

// Stop marks the pipeline as stopped, fixing Snapshot's uptime.
func (m *Metrics) Stop() {
	m.stopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters plus
// derived statistics.
type MetricsSnapshot struct {
	RegisterOps, PostOps, CompleteOps, FinishOps, ReassembleOps uint64
	BytesFetched                                                uint64

	RegisterErrors, PostErrors, CompleteErrors, FinishErrors, ReassembleErrors uint64
	TransientRetries                                                         uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	Bandwidth float64 // bytes/sec
	UptimeNs  uint64
	ErrorRate float64 // percentage of failed ops across all stages
}

// Snapshot takes a point-in-time copy of m's state.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RegisterOps:      m.RegisterOps.Load(),
		PostOps:          m.PostOps.Load(),
		CompleteOps:      m.CompleteOps.Load(),
		FinishOps:        m.FinishOps.Load(),
		ReassembleOps:    m.ReassembleOps.Load(),
		BytesFetched:     m.BytesFetched.Load(),
		RegisterErrors:   m.RegisterErrors.Load(),
		PostErrors:       m.PostErrors.Load(),
		CompleteErrors:   m.CompleteErrors.Load(),
		FinishErrors:     m.FinishErrors.Load(),
		ReassembleErrors: m.ReassembleErrors.Load(),
		TransientRetries: m.TransientRetries.Load(),
	}

	opCount := m.opCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.totalLatencyNs.Load() / opCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	startTime := m.startTime.Load()
	stopTime := m.stopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.Bandwidth = float64(snap.BytesFetched) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.latencyBuckets[i].Load()
	}

	totalOps := snap.RegisterOps + snap.PostOps + snap.CompleteOps + snap.FinishOps + snap.ReassembleOps
	totalErrors := snap.RegisterErrors + snap.PostErrors + snap.CompleteErrors + snap.FinishErrors + snap.ReassembleErrors
	if totalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}

	return snap
}

func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.opCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.latencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.latencyBuckets[i-1].Load()
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

// Observer allows pluggable collection of per-stage fetch metrics.
// Implementations must be safe for concurrent use: the worker pools and
// poller all call into the same Observer from different goroutines.
type Observer interface {
	ObserveRegister(latencyNs uint64, success bool)
	ObservePost(latencyNs uint64, success bool)
	ObserveComplete(bytes uint64, latencyNs uint64, success bool)
	ObserveFinish(latencyNs uint64, success bool)
	ObserveReassemble(latencyNs uint64, success bool)
	ObserveTransientRetry()
}

// NoOpObserver discards every observation. It is the default when a
// Connection is built without an explicit Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRegister(uint64, bool)        {}
func (NoOpObserver) ObservePost(uint64, bool)             {}
func (NoOpObserver) ObserveComplete(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFinish(uint64, bool)           {}
func (NoOpObserver) ObserveReassemble(uint64, bool)       {}
func (NoOpObserver) ObserveTransientRetry()               {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRegister(latencyNs uint64, success bool) {
	o.metrics.RecordRegister(latencyNs, success)
}

func (o *MetricsObserver) ObservePost(latencyNs uint64, success bool) {
	o.metrics.RecordPost(latencyNs, success)
}

func (o *MetricsObserver) ObserveComplete(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordComplete(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFinish(latencyNs uint64, success bool) {
	o.metrics.RecordFinish(latencyNs, success)
}

func (o *MetricsObserver) ObserveReassemble(latencyNs uint64, success bool) {
	o.metrics.RecordReassemble(latencyNs, success)
}

func (o *MetricsObserver) ObserveTransientRetry() {
	o.metrics.RecordTransientRetry()
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
