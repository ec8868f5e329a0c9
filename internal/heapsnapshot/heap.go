package heapsnapshot

// Heap is the walkable view of a paused heap. Every method must visit
// objects and references in the same order on each call: the generator
// walks the heap twice and relies on both walks matching.
type Heap interface {
	// EstimateObjectsCount sizes progress reporting.
	EstimateObjectsCount() int
	// ForEachObject visits every live object until fn returns false.
	ForEachObject(fn func(Object) bool)
	// ForEachRoot visits the objects referenced by the collector roots.
	ForEachRoot(fn func(Object))
	// ForEachGlobal visits the global objects.
	ForEachGlobal(fn func(Object))
}

// Object is a heap object as seen by the profiler.
type Object interface {
	Address() Address
	Type() EntryType
	Name() string
	SelfSize() int
	ForEachReference(fn func(Reference))
}

// Reference is an outgoing pointer of an object. Element and hidden
// references use Index, the others use Name. A property with an empty
// name is recorded as an internal edge.
type Reference struct {
	Type  EdgeType
	Name  string
	Index int
	To    Object
}

// WrapperObject is implemented by objects that wrap a native object of a
// registered class.
type WrapperObject interface {
	Object
	WrapperClassID() uint16
}

// RetainedObjectInfo describes native memory retained by a group of
// wrappers.
type RetainedObjectInfo interface {
	Label() string
	Hash() uint64
	// ElementCount returns -1 when unknown.
	ElementCount() int
	// SizeInBytes returns -1 when unknown.
	SizeInBytes() int
}

// IsEquivalent reports whether two infos describe the same native object.
func IsEquivalent(a, b RetainedObjectInfo) bool {
	return a.Hash() == b.Hash() && a.Label() == b.Label()
}

// NativeGroup is a native info with the wrappers that keep it alive.
type NativeGroup struct {
	Info     RetainedObjectInfo
	Wrappers []Object
}

// NativeGroupsProvider is optionally implemented by a Heap that knows
// about native object groups.
type NativeGroupsProvider interface {
	NativeGroups() []NativeGroup
}

// WrapperInfoCallback builds the info of a wrapper of a registered class.
// Returning nil leaves the wrapper out of any group.
type WrapperInfoCallback func(classID uint16, wrapper Object) RetainedObjectInfo

// ControlOption is the answer of an ActivityControl.
type ControlOption int

const (
	Continue ControlOption = iota
	Abort
)

// ActivityControl receives progress of a snapshot generation and may
// abort it.
type ActivityControl interface {
	ReportProgressValue(done, total int) ControlOption
}

// ActivityControlFunc adapts a function to ActivityControl.
type ActivityControlFunc func(done, total int) ControlOption

// ReportProgressValue calls f.
func (f ActivityControlFunc) ReportProgressValue(done, total int) ControlOption {
	return f(done, total)
}
