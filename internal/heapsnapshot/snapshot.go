package heapsnapshot

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// SnapshotKind selects what a snapshot contains.
type SnapshotKind int

const (
	// KindFull holds one entry per heap object.
	KindFull SnapshotKind = iota
	// KindAggregated holds one entry per (type, name) group.
	KindAggregated
)

func (k SnapshotKind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindAggregated:
		return "aggregated"
	default:
		return fmt.Sprintf("SnapshotKind(%d)", int(k))
	}
}

// ParseSnapshotKind converts "full" or "aggregated" to a SnapshotKind.
func ParseSnapshotKind(s string) (SnapshotKind, error) {
	switch s {
	case "", "full":
		return KindFull, nil
	case "aggregated":
		return KindAggregated, nil
	default:
		return 0, fmt.Errorf("unknown snapshot kind %q", s)
	}
}

// Fixed ids of the synthetic entries.
const (
	RootObjectID        uint64 = 1
	GcRootsObjectID     uint64 = 3
	NativesRootObjectID uint64 = 5
	// FirstAvailableObjectID is the first id handed out to heap objects.
	FirstAvailableObjectID uint64 = 7
)

// Names of the synthetic entries.
const (
	GcRootsName     = "(GC roots)"
	NativesRootName = "(Native objects)"
)

// HeapSnapshot is an immutable heap graph. Its arena is sized once by
// AllocateEntries and only filled in place afterwards.
type HeapSnapshot struct {
	collection *HeapSnapshotsCollection
	kind       SnapshotKind
	title      string
	uid        uint32

	entries   []HeapEntry
	children  []HeapGraphEdge
	retainers []int // indices into children

	allocated    bool
	nextChild    int
	nextRetainer int

	root, gcRoots, nativesRoot int

	sortOnce   sync.Once
	sortedByID []int

	paintMu sync.Mutex
}

// NewHeapSnapshot creates an empty snapshot. Most callers go through
// HeapSnapshotsCollection.NewSnapshot.
func NewHeapSnapshot(collection *HeapSnapshotsCollection, kind SnapshotKind, title string, uid uint32) *HeapSnapshot {
	return &HeapSnapshot{
		collection:  collection,
		kind:        kind,
		title:       title,
		uid:         uid,
		root:        -1,
		gcRoots:     -1,
		nativesRoot: -1,
	}
}

// Collection returns the owning collection, nil for detached snapshots.
func (s *HeapSnapshot) Collection() *HeapSnapshotsCollection { return s.collection }

// Kind returns the snapshot kind.
func (s *HeapSnapshot) Kind() SnapshotKind { return s.kind }

// Title returns the snapshot title.
func (s *HeapSnapshot) Title() string { return s.title }

// UID returns the snapshot unique id.
func (s *HeapSnapshot) UID() uint32 { return s.uid }

// Root returns the root entry.
func (s *HeapSnapshot) Root() *HeapEntry { return s.entryOrNil(s.root) }

// GcRoots returns the "(GC roots)" entry, if any.
func (s *HeapSnapshot) GcRoots() *HeapEntry { return s.entryOrNil(s.gcRoots) }

// NativesRoot returns the "(Native objects)" entry, if any.
func (s *HeapSnapshot) NativesRoot() *HeapEntry { return s.entryOrNil(s.nativesRoot) }

func (s *HeapSnapshot) entryOrNil(i int) *HeapEntry {
	if i < 0 {
		return nil
	}
	return &s.entries[i]
}

// EntriesCount returns the number of entries.
func (s *HeapSnapshot) EntriesCount() int { return len(s.entries) }

// Entry returns the entry at index i.
func (s *HeapSnapshot) Entry(i int) *HeapEntry { return &s.entries[i] }

// Entries returns pointers to all entries in arena order.
func (s *HeapSnapshot) Entries() []*HeapEntry {
	out := make([]*HeapEntry, len(s.entries))
	for i := range s.entries {
		out[i] = &s.entries[i]
	}
	return out
}

// EdgesCount returns the number of edges.
func (s *HeapSnapshot) EdgesCount() int { return len(s.children) }

// AllocateEntries sizes the arena. It must be called exactly once.
func (s *HeapSnapshot) AllocateEntries(entriesCount, childrenCount, retainersCount int) {
	if s.allocated {
		panic("heapsnapshot: arena already allocated")
	}
	s.allocated = true
	s.entries = make([]HeapEntry, 0, entriesCount)
	s.children = make([]HeapGraphEdge, childrenCount)
	s.retainers = make([]int, retainersCount)
}

// AddEntry places a new entry in the arena, reserving its edge slots.
// Going over the allocated sizes is fatal.
func (s *HeapSnapshot) AddEntry(typ EntryType, name string, id uint64, selfSize, childrenCount, retainersCount int) *HeapEntry {
	if len(s.entries) == cap(s.entries) ||
		s.nextChild+childrenCount > len(s.children) ||
		s.nextRetainer+retainersCount > len(s.retainers) {
		panic(fmt.Sprintf("heapsnapshot: arena overflow adding %s %q", typ, name))
	}
	index := len(s.entries)
	s.entries = append(s.entries, HeapEntry{
		snapshot:       s,
		index:          index,
		typ:            typ,
		name:           name,
		id:             id,
		selfSize:       selfSize,
		childrenStart:  s.nextChild,
		childrenCount:  childrenCount,
		retainersStart: s.nextRetainer,
		retainersCount: retainersCount,
		dominator:      -1,
		orderedIndex:   -1,
	})
	s.nextChild += childrenCount
	s.nextRetainer += retainersCount
	return &s.entries[index]
}

// AddRootEntry adds the root. It has no retainers.
func (s *HeapSnapshot) AddRootEntry(childrenCount int) *HeapEntry {
	e := s.AddEntry(EntryObject, "", RootObjectID, 0, childrenCount, 0)
	s.root = e.index
	return e
}

// AddGcRootsEntry adds the "(GC roots)" entry.
func (s *HeapSnapshot) AddGcRootsEntry(childrenCount, retainersCount int) *HeapEntry {
	e := s.AddEntry(EntryObject, GcRootsName, GcRootsObjectID, 0, childrenCount, retainersCount)
	s.gcRoots = e.index
	return e
}

// AddNativesRootEntry adds the "(Native objects)" entry.
func (s *HeapSnapshot) AddNativesRootEntry(childrenCount, retainersCount int) *HeapEntry {
	e := s.AddEntry(EntryObject, NativesRootName, NativesRootObjectID, 0, childrenCount, retainersCount)
	s.nativesRoot = e.index
	return e
}

// ClearPaint resets the marks used by reachability traversals.
func (s *HeapSnapshot) ClearPaint() {
	for i := range s.entries {
		s.entries[i].paint = paintClear
	}
}

// SetDominatorsToSelf makes every entry without a dominator its own one.
func (s *HeapSnapshot) SetDominatorsToSelf() {
	for i := range s.entries {
		if s.entries[i].dominator < 0 {
			s.entries[i].dominator = i
		}
	}
}

// GetEntryByID finds an entry by object id, or returns nil.
func (s *HeapSnapshot) GetEntryByID(id uint64) *HeapEntry {
	s.sortOnce.Do(func() {
		s.sortedByID = make([]int, len(s.entries))
		for i := range s.sortedByID {
			s.sortedByID[i] = i
		}
		sort.Slice(s.sortedByID, func(a, b int) bool {
			return s.entries[s.sortedByID[a]].id < s.entries[s.sortedByID[b]].id
		})
	})
	i := sort.Search(len(s.sortedByID), func(i int) bool {
		return s.entries[s.sortedByID[i]].id >= id
	})
	if i < len(s.sortedByID) && s.entries[s.sortedByID[i]].id == id {
		return &s.entries[s.sortedByID[i]]
	}
	return nil
}

// RawEntriesSize returns the memory held by the arena.
func (s *HeapSnapshot) RawEntriesSize() int {
	return cap(s.entries)*int(unsafe.Sizeof(HeapEntry{})) +
		len(s.children)*int(unsafe.Sizeof(HeapGraphEdge{})) +
		len(s.retainers)*int(unsafe.Sizeof(int(0)))
}

// Delete removes the snapshot from its collection.
func (s *HeapSnapshot) Delete() {
	if s.collection != nil {
		s.collection.RemoveSnapshot(s)
	}
}

func (s *HeapSnapshot) String() string {
	return fmt.Sprintf("HeapSnapshot{uid: %d, title: %q, kind: %s, entries: %d, edges: %d}",
		s.uid, s.title, s.kind, len(s.entries), len(s.children))
}
