package heapsnapshot

import (
	"context"

	"github.com/vm-profiler/pkg/utils"
)

// DefaultProgressGranularity is the number of steps between two
// unforced progress reports.
const DefaultProgressGranularity = 10000

// Number of passes over the entries used to size the progress total:
// count, fill, dominators and retained sizes.
const progressIterations = 4

type progress struct {
	ctx         context.Context
	control     ActivityControl
	counter     int
	total       int
	granularity int
}

func (p *progress) step() { p.counter++ }

// report polls the control every granularity steps, or now when force is
// set. It returns false when generation must stop.
func (p *progress) report(force bool) bool {
	if !force && p.counter%p.granularity != 0 {
		return true
	}
	if p.ctx != nil && p.ctx.Err() != nil {
		return false
	}
	if p.control == nil {
		return true
	}
	return p.control.ReportProgressValue(p.counter, p.total) == Continue
}

// Generator builds a full snapshot in two walks over a paused heap: the
// first counts entries and edges, the second fills the arena sized from
// those counts.
type Generator struct {
	snapshot *HeapSnapshot
	heap     Heap
	entries  *entriesMap
	progress progress

	heapExplorer   *heapExplorer
	nativeExplorer *nativeExplorer

	timer  *utils.Timer
	logger utils.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithProgressGranularity sets how many steps pass between unforced
// progress reports.
func WithProgressGranularity(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.progress.granularity = n
		}
	}
}

// WithTimer records the duration of each phase.
func WithTimer(t *utils.Timer) GeneratorOption {
	return func(g *Generator) {
		if t != nil {
			g.timer = t
		}
	}
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(l utils.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithWrapperCallbacks groups wrapper objects of the given classes under
// native infos.
func WithWrapperCallbacks(callbacks map[uint16]WrapperInfoCallback) GeneratorOption {
	return func(g *Generator) {
		g.nativeExplorer.groups = collectNativeGroups(g.heap, callbacks)
	}
}

// NewGenerator prepares the generation of snapshot from heap. control may
// be nil.
func NewGenerator(snapshot *HeapSnapshot, heap Heap, control ActivityControl, opts ...GeneratorOption) *Generator {
	names := snapshot.collection.Names()
	g := &Generator{
		snapshot: snapshot,
		heap:     heap,
		entries:  newEntriesMap(),
		progress: progress{control: control, granularity: DefaultProgressGranularity},
		timer:    utils.NullTimer,
		logger:   &utils.NullLogger{},
	}
	g.heapExplorer = &heapExplorer{
		heap:     heap,
		snapshot: snapshot,
		names:    names,
		ids:      snapshot.collection.IDs(),
		progress: &g.progress,
	}
	g.nativeExplorer = &nativeExplorer{
		snapshot: snapshot,
		names:    names,
		groups:   collectNativeGroups(heap, nil),
		progress: &g.progress,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateSnapshot runs all phases. It returns false when the activity
// control or ctx aborted generation; the snapshot is then unusable.
func (g *Generator) GenerateSnapshot(ctx context.Context) bool {
	g.progress.ctx = ctx
	g.setProgressTotal(progressIterations)

	pt := g.timer.Start("count")
	ok := g.countEntriesAndReferences()
	pt.Stop()
	if !ok {
		return false
	}

	g.snapshot.AllocateEntries(g.entries.len(), g.entries.totalChildren, g.entries.totalRetainers)
	g.entries.allocateEntries()
	g.logger.Debug("allocated %d entries, %d edges", g.entries.len(), g.entries.totalChildren)

	pt = g.timer.Start("fill")
	ok = g.fillReferences()
	pt.Stop()
	if !ok {
		return false
	}

	pt = g.timer.Start("dominators")
	ok = setEntriesDominators(g.snapshot, &g.progress)
	pt.Stop()
	if !ok {
		return false
	}

	pt = g.timer.Start("retained sizes")
	ok = approximateRetainedSizes(g.snapshot, &g.progress)
	pt.Stop()
	if !ok {
		return false
	}

	g.progress.counter = g.progress.total
	return g.progress.report(true)
}

func (g *Generator) setProgressTotal(iterations int) {
	g.progress.total = (g.heapExplorer.estimateObjectsCount() + g.nativeExplorer.estimateObjectsCount()) * iterations
	g.progress.counter = 0
}

func (g *Generator) countEntriesAndReferences() bool {
	counter := &snapshotCounter{entries: g.entries}
	g.heapExplorer.addRootEntries(counter)
	g.nativeExplorer.addRootEntries(counter)
	return g.heapExplorer.iterateAndExtractReferences(counter) &&
		g.nativeExplorer.iterateAndExtractReferences(counter)
}

func (g *Generator) fillReferences() bool {
	filler := &snapshotFiller{snapshot: g.snapshot, entries: g.entries, names: g.snapshot.collection.Names()}
	return g.heapExplorer.iterateAndExtractReferences(filler) &&
		g.nativeExplorer.iterateAndExtractReferences(filler)
}
