package heapsnapshot

// testObject is a hand-built heap object.
type testObject struct {
	addr    Address
	typ     EntryType
	name    string
	size    int
	classID uint16
	refs    []Reference
}

func (o *testObject) Address() Address { return o.addr }
func (o *testObject) Type() EntryType { return o.typ }
func (o *testObject) Name() string { return o.name }
func (o *testObject) SelfSize() int { return o.size }
func (o *testObject) WrapperClassID() uint16 { return o.classID }
func (o *testObject) ForEachReference(fn func(Reference)) {
	for _, r := range o.refs {
		fn(r)
	}
}

func (o *testObject) prop(name string, to *testObject) *testObject {
	o.refs = append(o.refs, Reference{Type: EdgeProperty, Name: name, To: to})
	return o
}

func (o *testObject) ref(typ EdgeType, name string, index int, to *testObject) *testObject {
	o.refs = append(o.refs, Reference{Type: typ, Name: name, Index: index, To: to})
	return o
}

type testHeap struct {
	objects []*testObject
	roots   []*testObject
	globals []*testObject
	groups  []NativeGroup
}

func (h *testHeap) add(addr Address, name string, size int) *testObject {
	o := &testObject{addr: addr, typ: EntryObject, name: name, size: size}
	h.objects = append(h.objects, o)
	return o
}

func (h *testHeap) remove(o *testObject) {
	for i, x := range h.objects {
		if x == o {
			h.objects = append(h.objects[:i], h.objects[i+1:]...)
			return
		}
	}
}

func (h *testHeap) EstimateObjectsCount() int { return len(h.objects) }

func (h *testHeap) ForEachObject(fn func(Object) bool) {
	for _, o := range h.objects {
		if !fn(o) {
			return
		}
	}
}

func (h *testHeap) ForEachRoot(fn func(Object)) {
	for _, o := range h.roots {
		fn(o)
	}
}

func (h *testHeap) ForEachGlobal(fn func(Object)) {
	for _, o := range h.globals {
		fn(o)
	}
}

func (h *testHeap) NativeGroups() []NativeGroup { return h.groups }

type testInfo struct {
	label    string
	hash     uint64
	elements int
	size     int
}

func (i testInfo) Label() string { return i.label }
func (i testInfo) Hash() uint64 { return i.hash }
func (i testInfo) ElementCount() int { return i.elements }
func (i testInfo) SizeInBytes() int { return i.size }

// sampleHeap builds:
//
//	gc roots -> a, g      root -shortcut-> g
//	a -> b, a -> c, b -> d, c -> d, d -> e, e -> a
//	g -> f, f -shortcut-> b
//	u -> e, u unreachable
type sampleHeap struct {
	*testHeap
	a, b, c, d, e, g, f, u *testObject
}

func newSampleHeap() *sampleHeap {
	h := &sampleHeap{testHeap: &testHeap{}}
	h.a = h.add(0x100, "A", 10)
	h.b = h.add(0x200, "B", 20)
	h.c = h.add(0x300, "C", 30)
	h.d = h.add(0x400, "D", 40)
	h.e = h.add(0x500, "E", 50)
	h.g = h.add(0x600, "Window", 5)
	h.f = h.add(0x700, "F", 7)
	h.u = h.add(0x800, "U", 100)

	h.a.prop("x", h.b).prop("y", h.c)
	h.b.prop("z", h.d)
	h.c.ref(EdgeElement, "", 0, h.d)
	h.d.ref(EdgeHidden, "", 0, h.e)
	h.e.prop("back", h.a)
	h.g.prop("f", h.f)
	h.f.ref(EdgeShortcut, "alias", 0, h.b)
	h.u.prop("leak", h.e)

	h.roots = []*testObject{h.a, h.g}
	h.globals = []*testObject{h.g}
	return h
}
