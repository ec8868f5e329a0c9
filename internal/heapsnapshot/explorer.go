package heapsnapshot

import (
	"strconv"

	"github.com/vm-profiler/internal/interner"
)

// heapExplorer turns the objects of a Heap into entries and edges.
type heapExplorer struct {
	heap     Heap
	snapshot *HeapSnapshot
	names    *interner.Storage
	ids      *HeapObjectsMap
	progress *progress
}

func (x *heapExplorer) estimateObjectsCount() int {
	return x.heap.EstimateObjectsCount()
}

func (x *heapExplorer) rootAlloc(children, _ int) *HeapEntry {
	return x.snapshot.AddRootEntry(children)
}

func (x *heapExplorer) gcRootsAlloc(children, retainers int) *HeapEntry {
	return x.snapshot.AddGcRootsEntry(children, retainers)
}

func (x *heapExplorer) objectAlloc(obj Object) allocFunc {
	return func(children, retainers int) *HeapEntry {
		return x.snapshot.AddEntry(
			obj.Type(),
			x.names.GetCopy(obj.Name()),
			x.ids.FindObject(obj.Address()),
			obj.SelfSize(),
			children,
			retainers)
	}
}

func (x *heapExplorer) addRootEntries(f filler) {
	f.addEntry(rootThing, x.rootAlloc)
	f.addEntry(gcRootsThing, x.gcRootsAlloc)
}

// iterateAndExtractReferences walks the heap once. It returns false when
// progress reporting asks to stop.
func (x *heapExplorer) iterateAndExtractReferences(f filler) bool {
	interrupted := false
	x.heap.ForEachObject(func(obj Object) bool {
		x.extractReferences(f, obj)
		x.progress.step()
		if !x.progress.report(false) {
			interrupted = true
			return false
		}
		return true
	})
	if interrupted {
		return false
	}

	f.setIndexedAutoIndexReference(EdgeElement, rootThing, gcRootsThing, x.gcRootsAlloc)
	x.heap.ForEachRoot(func(obj Object) {
		f.setIndexedAutoIndexReference(EdgeElement, gcRootsThing, obj.Address(), x.objectAlloc(obj))
	})
	x.heap.ForEachGlobal(func(obj Object) {
		f.setNamedAutoIndexReference(EdgeShortcut, rootThing, obj.Address(), x.objectAlloc(obj))
	})
	return x.progress.report(false)
}

func (x *heapExplorer) extractReferences(f filler, obj Object) {
	parent := obj.Address()
	f.addEntry(parent, x.objectAlloc(obj))
	obj.ForEachReference(func(ref Reference) {
		if ref.To == nil {
			return
		}
		child := ref.To.Address()
		alloc := x.objectAlloc(ref.To)
		switch {
		case ref.Type.HasIndex():
			f.setIndexedReference(ref.Type, parent, ref.Index, child, alloc)
		case ref.Type == EdgeProperty && ref.Name == "":
			f.setNamedReference(EdgeInternal, parent, "", child, alloc)
		default:
			f.setNamedReference(ref.Type, parent, x.names.GetName(ref.Name), child, alloc)
		}
	})
}

// nativeExplorer adds the native infos and links them to their wrappers.
type nativeExplorer struct {
	snapshot *HeapSnapshot
	names    *interner.Storage
	groups   []NativeGroup
	progress *progress
}

// NativeEntryName names the entry of a native info.
func NativeEntryName(info RetainedObjectInfo) string {
	if n := info.ElementCount(); n != -1 {
		return info.Label() + " / " + strconv.Itoa(n) + " entries"
	}
	return info.Label()
}

func (x *nativeExplorer) estimateObjectsCount() int {
	return len(x.groups)
}

func (x *nativeExplorer) nativesRootAlloc(children, retainers int) *HeapEntry {
	return x.snapshot.AddNativesRootEntry(children, retainers)
}

func (x *nativeExplorer) infoAlloc(info RetainedObjectInfo) allocFunc {
	return func(children, retainers int) *HeapEntry {
		size := info.SizeInBytes()
		if size == -1 {
			size = 0
		}
		return x.snapshot.AddEntry(
			EntryNative,
			x.names.GetCopy(NativeEntryName(info)),
			GenerateID(info),
			size,
			children,
			retainers)
	}
}

func (x *nativeExplorer) addRootEntries(f filler) {
	if len(x.groups) > 0 {
		f.addEntry(nativesRootThing, x.nativesRootAlloc)
	}
}

func (x *nativeExplorer) iterateAndExtractReferences(f filler) bool {
	for i, g := range x.groups {
		info := nativeThing(i)
		infoAlloc := x.infoAlloc(g.Info)
		f.setIndexedAutoIndexReference(EdgeElement, nativesRootThing, info, infoAlloc)
		for _, w := range g.Wrappers {
			wrapper := w.Address()
			// Wrappers the heap walk did not reach have no entry.
			if !f.hasEntry(wrapper) {
				continue
			}
			f.setNamedReference(EdgeInternal, wrapper, "native", info, infoAlloc)
			f.setIndexedAutoIndexReference(EdgeElement, info, wrapper, nil)
		}
		x.progress.step()
	}
	if len(x.groups) > 0 {
		f.setIndexedAutoIndexReference(EdgeElement, rootThing, nativesRootThing, x.nativesRootAlloc)
	}
	return x.progress.report(false)
}

// collectNativeGroups merges the groups reported by the heap with those
// built from wrapper class callbacks. Equivalent infos share one group.
func collectNativeGroups(heap Heap, callbacks map[uint16]WrapperInfoCallback) []NativeGroup {
	var groups []NativeGroup
	index := make(map[nativeKey]int)
	add := func(info RetainedObjectInfo, wrappers ...Object) {
		key := nativeKey{hash: info.Hash(), label: info.Label()}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, NativeGroup{Info: info})
		}
		groups[i].Wrappers = append(groups[i].Wrappers, wrappers...)
	}

	if p, ok := heap.(NativeGroupsProvider); ok {
		for _, g := range p.NativeGroups() {
			if g.Info != nil {
				add(g.Info, g.Wrappers...)
			}
		}
	}
	if len(callbacks) > 0 {
		heap.ForEachObject(func(obj Object) bool {
			w, ok := obj.(WrapperObject)
			if !ok {
				return true
			}
			cb := callbacks[w.WrapperClassID()]
			if cb == nil {
				return true
			}
			if info := cb(w.WrapperClassID(), w); info != nil {
				add(info, w)
			}
			return true
		})
	}
	return groups
}

type nativeKey struct {
	hash  uint64
	label string
}
