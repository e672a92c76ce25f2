package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUpdatesRollingMetrics(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tr.Record("p1", true, 100*time.Millisecond)
	tr.Record("p1", false, 200*time.Millisecond)

	snap, ok := tr.Snapshot("p1")
	require.True(t, ok)
	assert.EqualValues(t, 2, snap.TotalRequests)
	assert.EqualValues(t, 1, snap.TotalFailures)
	assert.EqualValues(t, 1, snap.ConsecutiveFailures)
	assert.InDelta(t, 0.5, snap.ErrorRate, 0.0001)
}

func TestErrorRateInvariant(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	for i := 0; i < 20; i++ {
		tr.Record("p1", i%3 != 0, time.Millisecond)
		snap, _ := tr.Snapshot("p1")
		assert.GreaterOrEqual(t, snap.ErrorRate, 0.0)
		assert.LessOrEqual(t, snap.ErrorRate, 1.0)
		assert.LessOrEqual(t, snap.TotalFailures, snap.TotalRequests)
	}
}

func TestHealthScoreUnknownProviderIsHealthy(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	assert.Equal(t, 1.0, tr.HealthScore("nonexistent"))
}

func TestHealthScoreDegradesWithFailures(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.Record("p1", true, 10*time.Millisecond)
	before := tr.HealthScore("p1")

	for i := 0; i < 5; i++ {
		tr.Record("p1", false, 500*time.Millisecond)
	}
	after := tr.HealthScore("p1")

	assert.Less(t, after, before)
}

func TestMarkUnhealthyAndHealthy(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	assert.True(t, tr.IsHealthy("p1")) // unknown defaults to healthy

	tr.MarkUnhealthy("p1")
	assert.False(t, tr.IsHealthy("p1"))

	tr.MarkHealthy("p1")
	assert.True(t, tr.IsHealthy("p1"))
}

type fakeProber struct{ healthy bool }

func (f fakeProber) Probe(ctx context.Context) bool { return f.healthy }

type countingProber struct{ calls *int32 }

func (p countingProber) Probe(ctx context.Context) bool {
	atomic.AddInt32(p.calls, 1)
	return true
}

func TestUnregisterProberStopsFutureProbes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	tr := New(cfg, nil)

	var calls int32
	tr.RegisterProber("p1", countingProber{calls: &calls})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, time.Second, 5*time.Millisecond)

	tr.UnregisterProber("p1")
	seenAfterUnregister := atomic.LoadInt32(&calls)
	time.Sleep(30 * time.Millisecond) // several probe intervals
	assert.Equal(t, seenAfterUnregister, atomic.LoadInt32(&calls))
}

func TestUnregisterProberClearsSnapshot(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.Record("p1", true, time.Millisecond)
	_, ok := tr.Snapshot("p1")
	require.True(t, ok)

	tr.UnregisterProber("p1")
	_, ok = tr.Snapshot("p1")
	assert.False(t, ok)
}

func TestProbeLoopMarksUnhealthyAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	cfg.UnhealthyAfterFailures = 2
	tr := New(cfg, nil)
	tr.RegisterProber("p1", fakeProber{healthy: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	require.Eventually(t, func() bool {
		return !tr.IsHealthy("p1")
	}, time.Second, 5*time.Millisecond)
}
