// Package metrics exposes profiler activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/heapsnapshot"
)

const namespace = "vmprof"

// Metrics holds the collectors of one profiler process. It implements
// heapsnapshot.Observer and archive.Observer.
type Metrics struct {
	reg prometheus.Registerer

	SnapshotsTaken   *prometheus.CounterVec
	SnapshotsAborted *prometheus.CounterVec
	SnapshotDuration *prometheus.HistogramVec
	SnapshotEntries  prometheus.Histogram
	ArtifactBytes    *prometheus.CounterVec
	ArtifactsStored  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg, if not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SnapshotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heap_snapshots_taken_total",
			Help:      "Total number of heap snapshots generated.",
		}, []string{"kind"}),
		SnapshotsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heap_snapshots_aborted_total",
			Help:      "Total number of heap snapshot generations that were aborted.",
		}, []string{"kind"}),
		SnapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heap_snapshot_duration_seconds",
			Help:      "Time spent generating a heap snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		SnapshotEntries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heap_snapshot_entries",
			Help:      "Number of entries of generated heap snapshots.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
		}),
		ArtifactBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_stored_bytes_total",
			Help:      "Total number of bytes written to artifact storage.",
		}, []string{"kind"}),
		ArtifactsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_stored_total",
			Help:      "Total number of archived artifacts.",
		}, []string{"kind"}),
	}

	m.reg = reg
	if reg != nil {
		reg.MustRegister(
			m.SnapshotsTaken,
			m.SnapshotsAborted,
			m.SnapshotDuration,
			m.SnapshotEntries,
			m.ArtifactBytes,
			m.ArtifactsStored,
		)
	}
	return m
}

// SnapshotTaken implements heapsnapshot.Observer.
func (m *Metrics) SnapshotTaken(kind heapsnapshot.SnapshotKind, d time.Duration, entries int) {
	m.SnapshotsTaken.WithLabelValues(kind.String()).Inc()
	m.SnapshotDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
	m.SnapshotEntries.Observe(float64(entries))
}

// SnapshotAborted implements heapsnapshot.Observer.
func (m *Metrics) SnapshotAborted(kind heapsnapshot.SnapshotKind) {
	m.SnapshotsAborted.WithLabelValues(kind.String()).Inc()
}

// ArtifactStored implements archive.Observer.
func (m *Metrics) ArtifactStored(kind string, bytes int64) {
	m.ArtifactsStored.WithLabelValues(kind).Inc()
	m.ArtifactBytes.WithLabelValues(kind).Add(float64(bytes))
}

// WatchCpuProfiler exports the sampler counters of p, read at scrape
// time. It must be called once per registry.
func (m *Metrics) WatchCpuProfiler(p *cpuprofile.CpuProfiler) {
	if m.reg == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cpu_samples_taken_total",
			Help:      "Total number of stack samples taken by the sampler.",
		}, func() float64 { return float64(p.Stats().Taken) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cpu_samples_dropped_total",
			Help:      "Total number of samples dropped because the processor was busy.",
		}, func() float64 { return float64(p.Stats().Dropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cpu_samples_recorded_total",
			Help:      "Total number of samples added to profiles.",
		}, func() float64 { return float64(p.Stats().Recorded) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_active_profiles",
			Help:      "Number of CPU profiles being recorded.",
		}, func() float64 { return float64(p.CurrentProfilesCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_finished_profiles",
			Help:      "Number of finished CPU profiles kept in memory.",
		}, func() float64 { return float64(p.GetProfilesCount()) }),
	)
}
