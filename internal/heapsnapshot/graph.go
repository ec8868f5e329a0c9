package heapsnapshot

import (
	"fmt"
)

// EdgeType is the kind of a reference between two heap entries.
type EdgeType int

const (
	// EdgeContext is a variable captured in a function context.
	EdgeContext EdgeType = iota
	// EdgeElement is an array element, addressed by index.
	EdgeElement
	// EdgeProperty is a named object property.
	EdgeProperty
	// EdgeInternal is a reference not visible from the language.
	EdgeInternal
	// EdgeHidden is an indexed reference not visible from the language.
	EdgeHidden
	// EdgeShortcut is a non-owning link. Shortcuts are skipped when
	// computing dominators and retained sizes.
	EdgeShortcut
)

var edgeTypeNames = [...]string{"context", "element", "property", "internal", "hidden", "shortcut"}

func (t EdgeType) String() string {
	if t < 0 || int(t) >= len(edgeTypeNames) {
		return fmt.Sprintf("EdgeType(%d)", int(t))
	}
	return edgeTypeNames[t]
}

// HasIndex reports whether edges of this type carry an index instead of a name.
func (t EdgeType) HasIndex() bool {
	return t == EdgeElement || t == EdgeHidden
}

// EntryType is the kind of a heap entry.
type EntryType int

const (
	EntryHidden EntryType = iota
	EntryArray
	EntryString
	EntryObject
	EntryCode
	EntryClosure
	EntryRegExp
	EntryNumber
	EntryNative
)

var entryTypeNames = [...]string{"hidden", "array", "string", "object", "code", "closure", "regexp", "number", "native"}

func (t EntryType) String() string {
	if t < 0 || int(t) >= len(entryTypeNames) {
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
	return entryTypeNames[t]
}

// ParseEntryType converts a type name back to its EntryType.
func ParseEntryType(name string) (EntryType, bool) {
	for i, n := range entryTypeNames {
		if n == name {
			return EntryType(i), true
		}
	}
	return 0, false
}

// ParseEdgeType converts an edge type name back to its EdgeType.
func ParseEdgeType(name string) (EdgeType, bool) {
	for i, n := range edgeTypeNames {
		if n == name {
			return EdgeType(i), true
		}
	}
	return 0, false
}

// HeapGraphEdge is a reference stored in the children slab of a snapshot.
// Endpoints are entry indices.
type HeapGraphEdge struct {
	snapshot   *HeapSnapshot
	typ        EdgeType
	childIndex int
	name       string
	index      int
	from, to   int
}

// Type returns the edge kind.
func (e *HeapGraphEdge) Type() EdgeType { return e.typ }

// ChildIndex returns the position of the edge among the children of From.
func (e *HeapGraphEdge) ChildIndex() int { return e.childIndex }

// Name returns the edge name. Empty for indexed edges.
func (e *HeapGraphEdge) Name() string { return e.name }

// Index returns the element index of an indexed edge.
func (e *HeapGraphEdge) Index() int { return e.index }

// From returns the retaining entry.
func (e *HeapGraphEdge) From() *HeapEntry { return &e.snapshot.entries[e.from] }

// To returns the referenced entry.
func (e *HeapGraphEdge) To() *HeapEntry { return &e.snapshot.entries[e.to] }

func (e *HeapGraphEdge) String() string {
	if e.typ.HasIndex() {
		return fmt.Sprintf("%s[%d] -> %s", e.typ, e.index, e.To().Name())
	}
	return fmt.Sprintf("%s %q -> %s", e.typ, e.name, e.To().Name())
}

type paintState uint8

const (
	paintClear paintState = iota
	paintReachable
	paintReachableFromOthers
)

// HeapEntry is a node of the heap graph. Entries live in the arena of
// their snapshot and are addressed by index.
type HeapEntry struct {
	snapshot *HeapSnapshot
	index    int

	typ      EntryType
	name     string
	id       uint64
	selfSize int

	retainedSize int
	retainedOK   bool // retainedSize holds the exact value

	childrenStart, childrenCount   int
	retainersStart, retainersCount int

	dominator    int
	orderedIndex int
	paint        paintState
}

// Snapshot returns the owning snapshot.
func (e *HeapEntry) Snapshot() *HeapSnapshot { return e.snapshot }

// Index returns the position of the entry in the arena.
func (e *HeapEntry) Index() int { return e.index }

// Type returns the entry kind.
func (e *HeapEntry) Type() EntryType { return e.typ }

// Name returns the entry name.
func (e *HeapEntry) Name() string { return e.name }

// ID returns the id of the object, stable across snapshots. For
// aggregated snapshots it holds the instance count.
func (e *HeapEntry) ID() uint64 { return e.id }

// SelfSize returns the size of the object itself.
func (e *HeapEntry) SelfSize() int { return e.selfSize }

// Children returns the outgoing edges. The slice aliases the arena.
func (e *HeapEntry) Children() []HeapGraphEdge {
	return e.snapshot.children[e.childrenStart : e.childrenStart+e.childrenCount]
}

// RetainersCount returns the number of incoming edges.
func (e *HeapEntry) RetainersCount() int { return e.retainersCount }

// Retainer returns the i-th incoming edge.
func (e *HeapEntry) Retainer(i int) *HeapGraphEdge {
	return &e.snapshot.children[e.snapshot.retainers[e.retainersStart+i]]
}

// Retainers returns the incoming edges.
func (e *HeapEntry) Retainers() []*HeapGraphEdge {
	out := make([]*HeapGraphEdge, e.retainersCount)
	for i := range out {
		out[i] = e.Retainer(i)
	}
	return out
}

// Dominator returns the immediate dominator. The root, and entries not
// reachable from it, dominate themselves.
func (e *HeapEntry) Dominator() *HeapEntry {
	if e.dominator < 0 {
		return nil
	}
	return &e.snapshot.entries[e.dominator]
}

func (e *HeapEntry) setDominator(d int) { e.dominator = d }

// RetainedSize returns the approximate retained size, or the exact one
// when exact is set. The exact value is computed on first request and
// then cached.
func (e *HeapEntry) RetainedSize(exact bool) int {
	e.snapshot.paintMu.Lock()
	defer e.snapshot.paintMu.Unlock()
	if exact && !e.retainedOK {
		e.retainedSize = e.calculateExactRetainedSize()
		e.retainedOK = true
	}
	return e.retainedSize
}

func (e *HeapEntry) setRetainedSize(size int) { e.retainedSize = size }
func (e *HeapEntry) addRetainedSize(size int) { e.retainedSize += size }

// PaintAllReachable marks every entry reachable from e, shortcuts excluded.
func (e *HeapEntry) PaintAllReachable() {
	entries := e.snapshot.entries
	stack := []int{e.index}
	e.paint = paintReachable
	for len(stack) > 0 {
		cur := &entries[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		children := cur.Children()
		for i := range children {
			edge := &children[i]
			if edge.typ == EdgeShortcut {
				continue
			}
			child := &entries[edge.to]
			if child.paint != paintReachable {
				child.paint = paintReachable
				stack = append(stack, edge.to)
			}
		}
	}
}

// calculateExactRetainedSize paints everything reachable from e, then
// repaints what the root reaches without passing through e. The entries
// left with the first mark are owned by e alone.
func (e *HeapEntry) calculateExactRetainedSize() int {
	s := e.snapshot
	s.ClearPaint()
	e.PaintAllReachable()

	if root := s.Root(); root != nil && root != e {
		stack := []int{root.index}
		root.paint = paintReachableFromOthers
		for len(stack) > 0 {
			cur := &s.entries[stack[len(stack)-1]]
			stack = stack[:len(stack)-1]
			children := cur.Children()
			for i := range children {
				edge := &children[i]
				if edge.typ == EdgeShortcut || edge.to == e.index {
					continue
				}
				child := &s.entries[edge.to]
				if child.paint != paintReachableFromOthers {
					child.paint = paintReachableFromOthers
					stack = append(stack, edge.to)
				}
			}
		}
	}

	size := 0
	for i := range s.entries {
		if s.entries[i].paint == paintReachable {
			size += s.entries[i].selfSize
		}
	}
	return size
}

func (e *HeapEntry) String() string {
	return fmt.Sprintf("%s %q @%d (self %d)", e.typ, e.name, e.id, e.selfSize)
}

// SetIndexedReference fills child slot childIndex of e with an indexed
// edge to entry, registering it as retainerIndex-th retainer of entry.
func (e *HeapEntry) SetIndexedReference(typ EdgeType, childIndex, index int, entry *HeapEntry, retainerIndex int) {
	edge := e.initEdge(typ, childIndex, entry)
	edge.index = index
	entry.setRetainer(retainerIndex, e.childrenStart+childIndex)
}

// SetNamedReference is SetIndexedReference for named edges.
func (e *HeapEntry) SetNamedReference(typ EdgeType, childIndex int, name string, entry *HeapEntry, retainerIndex int) {
	edge := e.initEdge(typ, childIndex, entry)
	edge.name = name
	entry.setRetainer(retainerIndex, e.childrenStart+childIndex)
}

// SetUnidirElementReference adds an element edge without a matching
// retainer slot.
func (e *HeapEntry) SetUnidirElementReference(childIndex, index int, entry *HeapEntry) {
	edge := e.initEdge(EdgeElement, childIndex, entry)
	edge.index = index
}

func (e *HeapEntry) initEdge(typ EdgeType, childIndex int, entry *HeapEntry) *HeapGraphEdge {
	if childIndex < 0 || childIndex >= e.childrenCount {
		panic(fmt.Sprintf("heapsnapshot: child slot %d out of range for %s (%d slots)", childIndex, e, e.childrenCount))
	}
	edge := &e.snapshot.children[e.childrenStart+childIndex]
	*edge = HeapGraphEdge{
		snapshot:   e.snapshot,
		typ:        typ,
		childIndex: childIndex,
		from:       e.index,
		to:         entry.index,
	}
	return edge
}

func (e *HeapEntry) setRetainer(retainerIndex, edge int) {
	if retainerIndex < 0 || retainerIndex >= e.retainersCount {
		panic(fmt.Sprintf("heapsnapshot: retainer slot %d out of range for %s (%d slots)", retainerIndex, e, e.retainersCount))
	}
	e.snapshot.retainers[e.retainersStart+retainerIndex] = edge
}
