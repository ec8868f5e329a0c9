package heapsnapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func takeSnapshot(t *testing.T, hp *HeapProfiler, title string) *HeapSnapshot {
	t.Helper()
	s := hp.TakeSnapshot(context.Background(), title, KindFull, nil)
	require.NotNil(t, s)
	return s
}

func entryByName(t *testing.T, s *HeapSnapshot, name string) *HeapEntry {
	t.Helper()
	for _, e := range s.Entries() {
		if e.Name() == name {
			return e
		}
	}
	t.Fatalf("no entry named %q", name)
	return nil
}

// reachable returns the entries reachable from the root without passing
// through skip, shortcuts excluded.
func reachable(s *HeapSnapshot, skip int) []bool {
	seen := make([]bool, s.EntriesCount())
	root := s.Root().Index()
	if root == skip {
		return seen
	}
	stack := []int{root}
	seen[root] = true
	for len(stack) > 0 {
		cur := s.Entry(stack[len(stack)-1])
		stack = stack[:len(stack)-1]
		for _, edge := range cur.Children() {
			to := edge.To().Index()
			if edge.Type() == EdgeShortcut || to == skip || seen[to] {
				continue
			}
			seen[to] = true
			stack = append(stack, to)
		}
	}
	return seen
}

func TestGenerator_Entries(t *testing.T) {
	h := newSampleHeap()
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "sample")

	require.Equal(t, 10, s.EntriesCount())
	assert.Equal(t, 13, s.EdgesCount())
	assert.Equal(t, RootObjectID, s.Root().ID())
	assert.Equal(t, 0, s.Root().Index())
	assert.Equal(t, GcRootsName, s.GcRoots().Name())
	assert.Equal(t, GcRootsObjectID, s.GcRoots().ID())
	assert.Nil(t, s.NativesRoot())

	// Ids follow the order objects were first met.
	want := map[string]uint64{"A": 7, "B": 9, "C": 11, "D": 13, "E": 15, "Window": 17, "F": 19, "U": 21}
	for name, id := range want {
		e := entryByName(t, s, name)
		assert.Equal(t, id, e.ID(), name)
		assert.Same(t, e, s.GetEntryByID(id))
	}
	assert.Nil(t, s.GetEntryByID(8))

	root := s.Root().Children()
	require.Len(t, root, 2)
	assert.Equal(t, EdgeElement, root[0].Type())
	assert.Equal(t, 1, root[0].Index())
	assert.Same(t, s.GcRoots(), root[0].To())
	assert.Equal(t, EdgeShortcut, root[1].Type())
	assert.Equal(t, "2", root[1].Name())
	assert.Equal(t, "Window", root[1].To().Name())

	gc := s.GcRoots().Children()
	require.Len(t, gc, 2)
	assert.Equal(t, "A", gc[0].To().Name())
	assert.Equal(t, 2, gc[1].Index())

	d := entryByName(t, s, "D")
	require.Equal(t, 2, d.RetainersCount())
	assert.Equal(t, "B", d.Retainer(0).From().Name())
	assert.Equal(t, "z", d.Retainer(0).Name())
	assert.Equal(t, "C", d.Retainer(1).From().Name())
	assert.Equal(t, EdgeElement, d.Retainer(1).Type())
	assert.Equal(t, EdgeHidden, d.Children()[0].Type())

	for _, e := range s.Entries() {
		for i, edge := range e.Children() {
			assert.Equal(t, i, edge.ChildIndex())
			assert.Same(t, e, edge.From())
		}
	}
}

func TestGenerator_Dominators(t *testing.T) {
	h := newSampleHeap()
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "sample")

	dom := func(name string) string { return entryByName(t, s, name).Dominator().Name() }
	assert.Same(t, s.Root(), s.Root().Dominator())
	assert.Same(t, s.Root(), s.GcRoots().Dominator())
	assert.Equal(t, GcRootsName, dom("A"))
	assert.Equal(t, "A", dom("B"), "shortcut from F must not count")
	assert.Equal(t, "A", dom("C"))
	assert.Equal(t, "A", dom("D"))
	assert.Equal(t, "D", dom("E"), "unreachable U must not count")
	assert.Equal(t, GcRootsName, dom("Window"))
	assert.Equal(t, "Window", dom("F"))
	assert.Equal(t, "U", dom("U"))
	assertDominatorsOnPaths(t, s)
}

// assertDominatorsOnPaths checks that the dominator of every reachable
// entry lies on each path from the root to it.
func assertDominatorsOnPaths(t *testing.T, s *HeapSnapshot) {
	t.Helper()
	all := reachable(s, -1)
	for _, e := range s.Entries() {
		if e == s.Root() || !all[e.Index()] {
			continue
		}
		without := reachable(s, e.Dominator().Index())
		assert.False(t, without[e.Index()], "%s still reachable without %s", e.Name(), e.Dominator().Name())
	}
}

func TestGenerator_DominatorsWithNativeGroup(t *testing.T) {
	h := newSampleHeap()
	h.groups = []NativeGroup{{Info: testInfo{label: "DOM", hash: 1, elements: 2, size: 64}, Wrappers: []Object{h.b}}}
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "grouped")

	dom := func(name string) string { return entryByName(t, s, name).Dominator().Name() }
	// root -> natives -> info -> B -> D -> E -> A bypasses the GC roots.
	for _, name := range []string{"A", "B", "D", "DOM / 2 entries"} {
		assert.Same(t, s.Root(), entryByName(t, s, name).Dominator(), name)
	}
	assert.Equal(t, "A", dom("C"))
	assert.Equal(t, "D", dom("E"))
	assert.Equal(t, "U", dom("U"))
	assertDominatorsOnPaths(t, s)

	sizes := map[string]int{
		GcRootsName: 12, "A": 40, "B": 20, "D": 90, "DOM / 2 entries": 64, "U": 100,
	}
	for name, size := range sizes {
		assert.Equal(t, size, entryByName(t, s, name).RetainedSize(false), name)
	}
}

func TestGenerator_RetainedSizes(t *testing.T) {
	h := newSampleHeap()
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "sample")

	approx := map[string]int{
		"E": 50, "D": 90, "B": 20, "C": 30, "A": 150,
		"F": 7, "Window": 12, GcRootsName: 162, "U": 100,
	}
	for name, size := range approx {
		assert.Equal(t, size, entryByName(t, s, name).RetainedSize(false), name)
	}

	sum := 0
	all := reachable(s, -1)
	for _, e := range s.Entries() {
		if all[e.Index()] {
			sum += e.SelfSize()
		}
	}
	assert.Equal(t, sum, s.Root().RetainedSize(false))

	assert.Equal(t, 150, entryByName(t, s, "A").RetainedSize(true))
	assert.Equal(t, 90, entryByName(t, s, "D").RetainedSize(true))
	b := entryByName(t, s, "B")
	assert.Equal(t, 20, b.RetainedSize(true))
	assert.Equal(t, 20, b.RetainedSize(false), "exact value is cached")
	assert.Equal(t, 162, s.Root().RetainedSize(true))
}

func TestGenerator_ExactRetainedSizeSharedObject(t *testing.T) {
	h := &testHeap{}
	a := h.add(0x10, "a", 1)
	b := h.add(0x20, "b", 2)
	shared := h.add(0x30, "shared", 100)
	a.prop("s", shared)
	b.prop("s", shared)
	h.roots = []*testObject{a, b}
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "shared")

	assert.Equal(t, 1, entryByName(t, s, "a").RetainedSize(true))
	assert.Equal(t, 2, entryByName(t, s, "b").RetainedSize(true))
	assert.Equal(t, GcRootsName, entryByName(t, s, "shared").Dominator().Name())
}

func TestGenerator_EmptyPropertyNameIsInternal(t *testing.T) {
	h := &testHeap{}
	a := h.add(0x10, "a", 1)
	b := h.add(0x20, "b", 1)
	a.prop("", b)
	h.roots = []*testObject{a}
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "internal")

	edge := entryByName(t, s, "a").Children()[0]
	assert.Equal(t, EdgeInternal, edge.Type())
	assert.Equal(t, "", edge.Name())
}

func TestGenerator_NativeGroups(t *testing.T) {
	h := newSampleHeap()
	dom := testInfo{label: "DOM", hash: 42, elements: 3, size: 100}
	h.groups = []NativeGroup{{Info: dom, Wrappers: []Object{h.a}}}
	h.c.classID = 7

	hp := NewHeapProfiler(h, Options{})
	hp.DefineWrapperClass(7, func(classID uint16, wrapper Object) RetainedObjectInfo {
		return testInfo{label: "DOM", hash: 42, elements: 3, size: 100}
	})
	s := takeSnapshot(t, hp, "natives")

	natives := s.NativesRoot()
	require.NotNil(t, natives)
	assert.Equal(t, NativesRootName, natives.Name())
	assert.Equal(t, NativesRootObjectID, natives.ID())
	assert.Same(t, natives, s.Root().Children()[2].To())

	info := entryByName(t, s, "DOM / 3 entries")
	assert.Equal(t, EntryNative, info.Type())
	assert.Equal(t, 100, info.SelfSize())
	assert.Equal(t, GenerateID(dom), info.ID())
	assert.Zero(t, info.ID()%2)

	wrapped := info.Children()
	require.Len(t, wrapped, 2)
	assert.Equal(t, "A", wrapped[0].To().Name())
	assert.Equal(t, 1, wrapped[0].Index())
	assert.Equal(t, "C", wrapped[1].To().Name())

	a := entryByName(t, s, "A")
	last := a.Children()[len(a.Children())-1]
	assert.Equal(t, EdgeInternal, last.Type())
	assert.Equal(t, "native", last.Name())
	assert.Same(t, info, last.To())
}

func TestGenerator_UnknownSizeAndCount(t *testing.T) {
	info := testInfo{label: "blob", hash: 1, elements: -1, size: -1}
	assert.Equal(t, "blob", NativeEntryName(info))

	h := &testHeap{}
	w := h.add(0x10, "w", 1)
	h.roots = []*testObject{w}
	h.groups = []NativeGroup{{Info: info, Wrappers: []Object{w}}}
	s := takeSnapshot(t, NewHeapProfiler(h, Options{}), "blob")
	assert.Equal(t, 0, entryByName(t, s, "blob").SelfSize())
}

func TestGenerator_ProgressReports(t *testing.T) {
	h := newSampleHeap()
	var calls [][2]int
	control := ActivityControlFunc(func(done, total int) ControlOption {
		calls = append(calls, [2]int{done, total})
		return Continue
	})
	hp := NewHeapProfiler(h, Options{ProgressGranularity: 1})
	require.NotNil(t, hp.TakeSnapshot(context.Background(), "p", KindFull, control))

	require.NotEmpty(t, calls)
	total := len(h.objects) * progressIterations
	for _, c := range calls {
		assert.Equal(t, total, c[1])
	}
	assert.Equal(t, [2]int{total, total}, calls[len(calls)-1])
}

func TestHeapProfiler_AbortRegistersNothing(t *testing.T) {
	for _, stopAt := range []int{1, 5, 12, 30} {
		h := newSampleHeap()
		n := 0
		control := ActivityControlFunc(func(done, total int) ControlOption {
			n++
			if n >= stopAt {
				return Abort
			}
			return Continue
		})
		hp := NewHeapProfiler(h, Options{ProgressGranularity: 1})
		assert.Nil(t, hp.TakeSnapshot(context.Background(), "aborted", KindFull, control), "stop at %d", stopAt)
		assert.Equal(t, 0, hp.GetSnapshotsCount())
		assert.Nil(t, hp.FindSnapshot(1))

		// A later snapshot still works.
		s := hp.TakeSnapshot(context.Background(), "ok", KindFull, nil)
		require.NotNil(t, s)
		assert.Equal(t, uint32(2), s.UID())
		assert.Equal(t, 1, hp.GetSnapshotsCount())
	}
}

func TestHeapProfiler_ContextCancel(t *testing.T) {
	hp := NewHeapProfiler(newSampleHeap(), Options{ProgressGranularity: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, hp.TakeSnapshot(ctx, "cancelled", KindFull, nil))
	assert.Equal(t, 0, hp.GetSnapshotsCount())
}

func TestHeapProfiler_Registry(t *testing.T) {
	hp := NewHeapProfiler(newSampleHeap(), Options{})
	first := takeSnapshot(t, hp, "first")
	second := takeSnapshot(t, hp, "second")

	assert.Equal(t, 2, hp.GetSnapshotsCount())
	assert.Same(t, first, hp.GetSnapshot(0))
	assert.Same(t, second, hp.GetSnapshot(1))
	assert.Nil(t, hp.GetSnapshot(2))
	assert.Same(t, second, hp.FindSnapshot(second.UID()))
	assert.True(t, hp.Collection().IsTracking())

	first.Delete()
	assert.Equal(t, 1, hp.GetSnapshotsCount())
	assert.Nil(t, hp.FindSnapshot(first.UID()))
	assert.Same(t, second, hp.GetSnapshot(0))

	hp.DeleteAllSnapshots()
	assert.Equal(t, 0, hp.GetSnapshotsCount())
	assert.Nil(t, hp.FindSnapshot(second.UID()))
}

func TestHeapProfiler_IDsSurviveMovesAndSnapshots(t *testing.T) {
	h := newSampleHeap()
	hp := NewHeapProfiler(h, Options{})
	first := takeSnapshot(t, hp, "first")
	bID := entryByName(t, first, "B").ID()

	hp.ObjectMoveEvent(h.b.addr, 0x9000)
	h.b.addr = 0x9000
	h.remove(h.u)
	fresh := h.add(0xA000, "Fresh", 3)
	h.a.prop("fresh", fresh)

	second := takeSnapshot(t, hp, "second")
	assert.Equal(t, bID, entryByName(t, second, "B").ID())
	assert.Equal(t, entryByName(t, first, "A").ID(), entryByName(t, second, "A").ID())
	assert.Equal(t, uint64(23), entryByName(t, second, "Fresh").ID())

	diff := CompareSnapshots(first, second)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "Fresh", diff.Added[0].Name())
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "U", diff.Removed[0].Name())
	assert.Equal(t, 3, diff.AddedSize())
	assert.Equal(t, 100, diff.RemovedSize())
}

func TestHeapProfiler_Aggregated(t *testing.T) {
	h := &testHeap{}
	bar := h.add(0x10, "Bar", 5)
	for i := 0; i < 3; i++ {
		foo := h.add(Address(0x100+i*0x10), "Foo", 10)
		foo.prop("bar", bar)
		h.roots = append(h.roots, foo)
	}
	hp := NewHeapProfiler(h, Options{})
	s := hp.TakeSnapshot(context.Background(), "agg", KindAggregated, nil)
	require.NotNil(t, s)
	assert.Equal(t, KindAggregated, s.Kind())

	require.Equal(t, 3, s.EntriesCount())
	barGroup := entryByName(t, s, "Bar")
	fooGroup := entryByName(t, s, "Foo")
	assert.Equal(t, uint64(1), barGroup.ID())
	assert.Equal(t, uint64(3), fooGroup.ID())
	assert.Equal(t, 30, fooGroup.SelfSize())
	require.Len(t, fooGroup.Children(), 1)
	assert.Equal(t, EdgeProperty, fooGroup.Children()[0].Type())
	assert.Same(t, barGroup, fooGroup.Children()[0].To())
	assert.Same(t, s.Root(), barGroup.Dominator())
	assert.Equal(t, 35, s.Root().RetainedSize(false))
	assert.Same(t, s, hp.FindSnapshot(s.UID()))
}

func TestHeapSnapshot_ArenaIsFixed(t *testing.T) {
	s := NewHeapSnapshot(nil, KindFull, "fixed", 1)
	s.AllocateEntries(1, 0, 0)
	s.AddRootEntry(0)
	assert.Panics(t, func() { s.AddEntry(EntryObject, "x", 9, 1, 0, 0) })
	assert.Panics(t, func() { s.AllocateEntries(1, 0, 0) })
}
