package rdmafetch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsCountsAndBytes(t *testing.T) {
	m := NewMetrics()

	m.RecordRegister(1000, true)
	m.RecordPost(2000, true)
	m.RecordComplete(4096, 3000, true)
	m.RecordComplete(0, 1500, false)
	m.RecordFinish(500, true)
	m.RecordReassemble(100, true)
	m.RecordTransientRetry()

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.RegisterOps)
	require.EqualValues(t, 1, snap.PostOps)
	require.EqualValues(t, 2, snap.CompleteOps)
	require.EqualValues(t, 1, snap.CompleteErrors)
	require.EqualValues(t, 4096, snap.BytesFetched)
	require.EqualValues(t, 1, snap.FinishOps)
	require.EqualValues(t, 1, snap.ReassembleOps)
	require.EqualValues(t, 1, snap.TransientRetries)
	require.Greater(t, snap.ErrorRate, 0.0)
}

func TestMetrics_PercentilesMonotonic(t *testing.T) {
	m := NewMetrics()
	for _, ns := range []uint64{500, 5_000, 50_000, 500_000, 5_000_000} {
		m.RecordComplete(1, ns, true)
	}
	snap := m.Snapshot()
	require.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
	require.LessOrEqual(t, snap.LatencyP99Ns, snap.LatencyP999Ns)
}

func TestMetrics_SnapshotBeforeAnyOpsIsZero(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	require.Zero(t, snap.RegisterOps)
	require.Zero(t, snap.AvgLatencyNs)
}

func TestMetricsObserver_RoutesToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveRegister(10, true)
	obs.ObservePost(10, true)
	obs.ObserveComplete(128, 10, true)
	obs.ObserveFinish(10, true)
	obs.ObserveReassemble(10, true)
	obs.ObserveTransientRetry()

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.RegisterOps)
	require.EqualValues(t, 128, snap.BytesFetched)
	require.EqualValues(t, 1, snap.TransientRetries)
}

func TestNoOpObserver_DoesNotPanic(t *testing.T) {
	var obs NoOpObserver
	obs.ObserveRegister(1, true)
	obs.ObservePost(1, true)
	obs.ObserveComplete(1, 1, true)
	obs.ObserveFinish(1, true)
	obs.ObserveReassemble(1, true)
	obs.ObserveTransientRetry()
}
