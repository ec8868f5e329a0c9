package heapsnapshot

import (
	"fmt"

	"github.com/vm-profiler/internal/interner"
)

// allocFunc places the entry of a thing in the arena once its edge
// counts are known.
type allocFunc func(childrenCount, retainersCount int) *HeapEntry

// Keys of the synthetic entries. Heap objects are keyed by Address and
// native infos by nativeThing.
type syntheticThing int

const (
	rootThing syntheticThing = iota
	gcRootsThing
	nativesRootThing
)

type nativeThing int

type pendingEntry struct {
	alloc     allocFunc
	entry     int
	children  int
	retainers int
}

// entriesMap pairs every thing met during the walk with its entry. The
// count pass fills children and retainers; after allocation the same
// counters are reset and reused as slot cursors by the fill pass.
type entriesMap struct {
	order          []any
	things         map[any]*pendingEntry
	totalChildren  int
	totalRetainers int
}

func newEntriesMap() *entriesMap {
	return &entriesMap{things: make(map[any]*pendingEntry)}
}

func (m *entriesMap) pair(thing any, alloc allocFunc) {
	if _, ok := m.things[thing]; ok {
		return
	}
	m.things[thing] = &pendingEntry{alloc: alloc, entry: -1}
	m.order = append(m.order, thing)
}

func (m *entriesMap) find(thing any) *pendingEntry {
	return m.things[thing]
}

func (m *entriesMap) len() int { return len(m.order) }

// countReference returns the slot indices of a new edge and advances the
// counters.
func (m *entriesMap) countReference(from, to any) (childIndex, retainerIndex int) {
	f, t := m.things[from], m.things[to]
	if f == nil || t == nil {
		panic(fmt.Sprintf("heapsnapshot: reference between unpaired things %v -> %v", from, to))
	}
	childIndex, retainerIndex = f.children, t.retainers
	f.children++
	t.retainers++
	m.totalChildren++
	m.totalRetainers++
	return childIndex, retainerIndex
}

// allocateEntries creates every entry in pairing order.
func (m *entriesMap) allocateEntries() {
	for _, thing := range m.order {
		p := m.things[thing]
		p.entry = p.alloc(p.children, p.retainers).index
		p.children, p.retainers = 0, 0
	}
}

// filler is the sink of the heap walk. The counting and the
// filling implementations see the exact same calls.
type filler interface {
	addEntry(thing any, alloc allocFunc)
	hasEntry(thing any) bool
	setIndexedReference(typ EdgeType, parent any, index int, child any, alloc allocFunc)
	setNamedReference(typ EdgeType, parent any, name string, child any, alloc allocFunc)
	setIndexedAutoIndexReference(typ EdgeType, parent, child any, alloc allocFunc)
	setNamedAutoIndexReference(typ EdgeType, parent, child any, alloc allocFunc)
}

type snapshotCounter struct {
	entries *entriesMap
}

func (c *snapshotCounter) addEntry(thing any, alloc allocFunc) {
	c.entries.pair(thing, alloc)
}

func (c *snapshotCounter) hasEntry(thing any) bool {
	return c.entries.find(thing) != nil
}

func (c *snapshotCounter) count(parent, child any, alloc allocFunc) {
	c.entries.pair(child, alloc)
	c.entries.countReference(parent, child)
}

func (c *snapshotCounter) setIndexedReference(_ EdgeType, parent any, _ int, child any, alloc allocFunc) {
	c.count(parent, child, alloc)
}

func (c *snapshotCounter) setNamedReference(_ EdgeType, parent any, _ string, child any, alloc allocFunc) {
	c.count(parent, child, alloc)
}

func (c *snapshotCounter) setIndexedAutoIndexReference(_ EdgeType, parent, child any, alloc allocFunc) {
	c.count(parent, child, alloc)
}

func (c *snapshotCounter) setNamedAutoIndexReference(_ EdgeType, parent, child any, alloc allocFunc) {
	c.count(parent, child, alloc)
}

type snapshotFiller struct {
	snapshot *HeapSnapshot
	entries  *entriesMap
	names    *interner.Storage
}

func (f *snapshotFiller) addEntry(thing any, _ allocFunc) {
	if f.entries.find(thing) == nil {
		panic(fmt.Sprintf("heapsnapshot: %v was not counted, heap changed between passes", thing))
	}
}

func (f *snapshotFiller) hasEntry(thing any) bool {
	return f.entries.find(thing) != nil
}

func (f *snapshotFiller) link(parent, child any) (from, to *HeapEntry, childIndex, retainerIndex int) {
	p, c := f.entries.find(parent), f.entries.find(child)
	if p == nil || c == nil || p.entry < 0 || c.entry < 0 {
		panic(fmt.Sprintf("heapsnapshot: edge %v -> %v was not counted, heap changed between passes", parent, child))
	}
	childIndex, retainerIndex = f.entries.countReference(parent, child)
	return f.snapshot.Entry(p.entry), f.snapshot.Entry(c.entry), childIndex, retainerIndex
}

func (f *snapshotFiller) setIndexedReference(typ EdgeType, parent any, index int, child any, _ allocFunc) {
	from, to, childIndex, retainerIndex := f.link(parent, child)
	from.SetIndexedReference(typ, childIndex, index, to, retainerIndex)
}

func (f *snapshotFiller) setNamedReference(typ EdgeType, parent any, name string, child any, _ allocFunc) {
	from, to, childIndex, retainerIndex := f.link(parent, child)
	from.SetNamedReference(typ, childIndex, name, to, retainerIndex)
}

func (f *snapshotFiller) setIndexedAutoIndexReference(typ EdgeType, parent, child any, _ allocFunc) {
	from, to, childIndex, retainerIndex := f.link(parent, child)
	from.SetIndexedReference(typ, childIndex, childIndex+1, to, retainerIndex)
}

func (f *snapshotFiller) setNamedAutoIndexReference(typ EdgeType, parent, child any, _ allocFunc) {
	from, to, childIndex, retainerIndex := f.link(parent, child)
	from.SetNamedReference(typ, childIndex, f.names.GetNameInt(childIndex+1), to, retainerIndex)
}
