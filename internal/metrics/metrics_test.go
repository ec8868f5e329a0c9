package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/heapsnapshot"
	"github.com/vm-profiler/internal/objgraph"
)

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		return sum
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestSnapshotObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	heap, err := objgraph.Build(&objgraph.Doc{
		Objects: []objgraph.ObjectDoc{{Addr: "0x1", Name: "A", Size: 8}},
		Roots:   []string{"0x1"},
	})
	require.NoError(t, err)
	hp := heapsnapshot.NewHeapProfiler(heap, heapsnapshot.Options{Observer: m, ProgressGranularity: 1})

	require.NotNil(t, hp.TakeSnapshot(context.Background(), "one", heapsnapshot.KindFull, nil))
	require.NotNil(t, hp.TakeSnapshot(context.Background(), "two", heapsnapshot.KindAggregated, nil))

	stop := heapsnapshot.ActivityControlFunc(func(done, total int) heapsnapshot.ControlOption {
		return heapsnapshot.Abort
	})
	assert.Nil(t, hp.TakeSnapshot(context.Background(), "aborted", heapsnapshot.KindFull, stop))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsTaken.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsTaken.WithLabelValues("aggregated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsAborted.WithLabelValues("full")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.SnapshotDuration))
}

func TestArtifactStored(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ArtifactStored("snapshot", 1000)
	m.ArtifactStored("snapshot", 24)
	m.ArtifactStored("profile", 10)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ArtifactsStored.WithLabelValues("snapshot")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.ArtifactBytes.WithLabelValues("snapshot")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.ArtifactBytes.WithLabelValues("profile")))
}

func TestSnapshotTaken_Histogram(t *testing.T) {
	m := New(nil)
	m.SnapshotTaken(heapsnapshot.KindFull, 20*time.Millisecond, 100)
	assert.Equal(t, 1, testutil.CollectAndCount(m.SnapshotEntries))
	// Unregistered metrics do not panic when watching a profiler.
	m.WatchCpuProfiler(cpuprofile.NewCpuProfiler(nil, cpuprofile.DefaultOptions()))
}

func TestWatchCpuProfiler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	source := cpuprofile.StackSourceFunc(func(ctx context.Context) (cpuprofile.TickSample, bool) {
		return cpuprofile.TickSample{State: cpuprofile.StateGC}, true
	})
	p := cpuprofile.NewCpuProfiler(source, cpuprofile.DefaultOptions())
	m.WatchCpuProfiler(p)

	assert.Equal(t, 0.0, gathered(t, reg, "vmprof_cpu_active_profiles"))
	require.True(t, p.StartProfiling("watched"))
	assert.Equal(t, 1.0, gathered(t, reg, "vmprof_cpu_active_profiles"))

	assert.Eventually(t, func() bool {
		return gathered(t, reg, "vmprof_cpu_samples_recorded_total") > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NotNil(t, p.StopProfiling("watched"))
	assert.Equal(t, 0.0, gathered(t, reg, "vmprof_cpu_active_profiles"))
	assert.Equal(t, 1.0, gathered(t, reg, "vmprof_cpu_finished_profiles"))
	assert.GreaterOrEqual(t, gathered(t, reg, "vmprof_cpu_samples_taken_total"),
		gathered(t, reg, "vmprof_cpu_samples_recorded_total"))
}
