package heapsnapshot

import (
	"context"
	"sync"
	"time"

	"github.com/vm-profiler/internal/interner"
	"github.com/vm-profiler/pkg/utils"
)

// Observer is notified about snapshot generations.
type Observer interface {
	SnapshotTaken(kind SnapshotKind, duration time.Duration, entries int)
	SnapshotAborted(kind SnapshotKind)
}

// Options configures a HeapProfiler.
type Options struct {
	ProgressGranularity int
	// Timing logs the duration of every generation phase.
	Timing   bool
	Logger   utils.Logger
	Clock    utils.Clock
	Observer Observer
}

// HeapProfiler takes heap snapshots of one program instance and keeps
// them until deleted.
type HeapProfiler struct {
	heap      Heap
	opts      Options
	logger    utils.Logger
	snapshots *HeapSnapshotsCollection

	// Generation needs the heap to stay still; one at a time.
	genMu   sync.Mutex
	nextUID uint32

	wrappersMu sync.RWMutex
	wrappers   map[uint16]WrapperInfoCallback
}

// NewHeapProfiler creates a profiler over heap.
func NewHeapProfiler(heap Heap, opts Options) *HeapProfiler {
	if opts.Logger == nil {
		opts.Logger = &utils.NullLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = utils.NewRealClock()
	}
	if opts.ProgressGranularity <= 0 {
		opts.ProgressGranularity = DefaultProgressGranularity
	}
	return &HeapProfiler{
		heap:      heap,
		opts:      opts,
		logger:    opts.Logger.WithField("component", "heap-profiler"),
		snapshots: NewHeapSnapshotsCollection(interner.New()),
		nextUID:   1,
		wrappers:  make(map[uint16]WrapperInfoCallback),
	}
}

// Collection returns the snapshot registry.
func (hp *HeapProfiler) Collection() *HeapSnapshotsCollection { return hp.snapshots }

// DefineWrapperClass registers the info callback of a wrapper class.
func (hp *HeapProfiler) DefineWrapperClass(classID uint16, callback WrapperInfoCallback) {
	hp.wrappersMu.Lock()
	defer hp.wrappersMu.Unlock()
	if callback == nil {
		delete(hp.wrappers, classID)
		return
	}
	hp.wrappers[classID] = callback
}

func (hp *HeapProfiler) wrapperCallbacks() map[uint16]WrapperInfoCallback {
	hp.wrappersMu.RLock()
	defer hp.wrappersMu.RUnlock()
	out := make(map[uint16]WrapperInfoCallback, len(hp.wrappers))
	for k, v := range hp.wrappers {
		out[k] = v
	}
	return out
}

// TakeSnapshot generates and registers a snapshot. It returns nil when
// control or ctx aborted generation, in which case nothing is registered.
func (hp *HeapProfiler) TakeSnapshot(ctx context.Context, title string, kind SnapshotKind, control ActivityControl) *HeapSnapshot {
	hp.genMu.Lock()
	defer hp.genMu.Unlock()

	uid := hp.nextUID
	hp.nextUID++
	logger := hp.logger.WithFields(map[string]interface{}{"uid": uid, "kind": kind.String()})
	timer := utils.NewTimer("heap snapshot "+title,
		utils.WithEnabled(hp.opts.Timing),
		utils.WithLogger(logger),
		utils.WithClock(hp.opts.Clock))
	start := hp.opts.Clock.Now()

	result := hp.snapshots.NewSnapshot(kind, title, uid)
	full := result
	if kind == KindAggregated {
		full = NewHeapSnapshot(hp.snapshots, KindFull, title, uid)
	}
	gen := NewGenerator(full, hp.heap, control,
		WithProgressGranularity(hp.opts.ProgressGranularity),
		WithTimer(timer),
		WithGeneratorLogger(logger),
		WithWrapperCallbacks(hp.wrapperCallbacks()))
	ok := gen.GenerateSnapshot(ctx)
	if ok && kind == KindAggregated {
		pt := timer.Start("aggregate")
		ok = fillAggregated(full, result, &gen.progress)
		pt.Stop()
	}
	if !ok {
		logger.Warn("heap snapshot %q aborted", title)
		hp.snapshots.SnapshotGenerationFinished(nil)
		if hp.opts.Observer != nil {
			hp.opts.Observer.SnapshotAborted(kind)
		}
		return nil
	}

	hp.snapshots.SnapshotGenerationFinished(result)
	elapsed := hp.opts.Clock.Since(start)
	logger.Info("heap snapshot %q taken: %d entries, %d edges in %v",
		title, result.EntriesCount(), result.EdgesCount(), elapsed)
	timer.Report()
	if hp.opts.Observer != nil {
		hp.opts.Observer.SnapshotTaken(kind, elapsed, result.EntriesCount())
	}
	return result
}

// GetSnapshotsCount returns the number of registered snapshots.
func (hp *HeapProfiler) GetSnapshotsCount() int {
	return hp.snapshots.Len()
}

// GetSnapshot returns the index-th registered snapshot, or nil.
func (hp *HeapProfiler) GetSnapshot(index int) *HeapSnapshot {
	all := hp.snapshots.Snapshots()
	if index < 0 || index >= len(all) {
		return nil
	}
	return all[index]
}

// FindSnapshot returns the snapshot with the given uid, or nil.
func (hp *HeapProfiler) FindSnapshot(uid uint32) *HeapSnapshot {
	return hp.snapshots.GetSnapshot(uid)
}

// Snapshots returns the registered snapshots.
func (hp *HeapProfiler) Snapshots() []*HeapSnapshot {
	return hp.snapshots.Snapshots()
}

// DeleteAllSnapshots drops every snapshot. Object ids survive.
func (hp *HeapProfiler) DeleteAllSnapshots() {
	hp.snapshots.Clear()
	hp.logger.Info("all heap snapshots deleted")
}

// ObjectMoveEvent must be called by the collector for every object it
// relocates.
func (hp *HeapProfiler) ObjectMoveEvent(from, to Address) {
	hp.snapshots.ObjectMoveEvent(from, to)
}
