package objgraph

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/vm-profiler/internal/heapsnapshot"
	apperrors "github.com/vm-profiler/pkg/errors"
)

type ref struct {
	typ   heapsnapshot.EdgeType
	name  string
	index int
	to    *Object
	// toAddr is kept until every object of the doc is known.
	toAddr heapsnapshot.Address
}

// Object is a described heap object.
type Object struct {
	addr    heapsnapshot.Address
	typ     heapsnapshot.EntryType
	name    string
	size    int
	classID uint16
	refs    []ref
}

func (o *Object) Address() heapsnapshot.Address { return o.addr }
func (o *Object) Type() heapsnapshot.EntryType { return o.typ }
func (o *Object) Name() string { return o.name }
func (o *Object) SelfSize() int { return o.size }

// WrapperClassID returns the wrapper class, 0 for plain objects.
func (o *Object) WrapperClassID() uint16 { return o.classID }

// ForEachReference visits the references in description order.
func (o *Object) ForEachReference(fn func(heapsnapshot.Reference)) {
	for _, r := range o.refs {
		fn(heapsnapshot.Reference{Type: r.typ, Name: r.name, Index: r.index, To: r.to})
	}
}

// Heap is a heap built from a Doc. It is not safe for concurrent mutation
// while a snapshot is being taken.
type Heap struct {
	objects []*Object
	byAddr  map[heapsnapshot.Address]*Object
	roots   []*Object
	globals []*Object
	natives []NativeDoc
	classes map[uint16]ClassDoc
}

// Load reads a heap description and links it.
func Load(r io.Reader, format Format) (*Heap, error) {
	doc, err := DecodeDoc(r, format)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Build links a decoded description. Every referenced address must be
// described.
func Build(doc *Doc) (*Heap, error) {
	h := &Heap{
		byAddr:  make(map[heapsnapshot.Address]*Object, len(doc.Objects)),
		natives: doc.Natives,
		classes: doc.Classes,
	}
	for _, od := range doc.Objects {
		if _, err := h.addObject(od); err != nil {
			return nil, err
		}
	}
	if err := h.linkAll(); err != nil {
		return nil, err
	}
	var err error
	if h.roots, err = h.lookupAll(doc.Roots); err != nil {
		return nil, err
	}
	if h.globals, err = h.lookupAll(doc.Globals); err != nil {
		return nil, err
	}
	for _, n := range doc.Natives {
		if _, err := h.lookupAll(n.Wrappers); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Heap) addObject(od ObjectDoc) (*Object, error) {
	addr, err := parseAddr(od.Addr)
	if err != nil {
		return nil, err
	}
	if _, dup := h.byAddr[heapsnapshot.Address(addr)]; dup {
		return nil, apperrors.Newf(apperrors.CodeInvalidInput, "duplicate object at %s", od.Addr)
	}
	typ := heapsnapshot.EntryObject
	if od.Type != "" {
		var ok bool
		if typ, ok = heapsnapshot.ParseEntryType(od.Type); !ok {
			return nil, apperrors.Newf(apperrors.CodeInvalidInput, "object %s: unknown type %q", od.Addr, od.Type)
		}
	}
	obj := &Object{
		addr:    heapsnapshot.Address(addr),
		typ:     typ,
		name:    od.Name,
		size:    od.Size,
		classID: od.ClassID,
	}
	for _, rd := range od.Refs {
		etyp := heapsnapshot.EdgeProperty
		if rd.Type != "" {
			var ok bool
			if etyp, ok = heapsnapshot.ParseEdgeType(rd.Type); !ok {
				return nil, apperrors.Newf(apperrors.CodeInvalidInput, "object %s: unknown reference type %q", od.Addr, rd.Type)
			}
		}
		to, err := parseAddr(rd.To)
		if err != nil {
			return nil, err
		}
		obj.refs = append(obj.refs, ref{typ: etyp, name: rd.Name, index: rd.Index, toAddr: heapsnapshot.Address(to)})
	}
	h.objects = append(h.objects, obj)
	h.byAddr[obj.addr] = obj
	return obj, nil
}

func (h *Heap) linkAll() error {
	for _, obj := range h.objects {
		if err := h.link(obj); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heap) link(obj *Object) error {
	for i := range obj.refs {
		r := &obj.refs[i]
		if r.to != nil {
			continue
		}
		to, ok := h.byAddr[r.toAddr]
		if !ok {
			return apperrors.Newf(apperrors.CodeInvalidInput, "object %#x references unknown address %#x", uint64(obj.addr), uint64(r.toAddr))
		}
		r.to = to
	}
	return nil
}

func (h *Heap) lookupAll(addrs []string) ([]*Object, error) {
	out := make([]*Object, 0, len(addrs))
	for _, s := range addrs {
		addr, err := parseAddr(s)
		if err != nil {
			return nil, err
		}
		obj, ok := h.byAddr[heapsnapshot.Address(addr)]
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeInvalidInput, "unknown address %s", s)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Len returns the number of objects.
func (h *Heap) Len() int { return len(h.objects) }

// Object returns the object at addr, or nil.
func (h *Heap) Object(addr heapsnapshot.Address) *Object { return h.byAddr[addr] }

// EstimateObjectsCount implements heapsnapshot.Heap.
func (h *Heap) EstimateObjectsCount() int { return len(h.objects) }

// ForEachObject implements heapsnapshot.Heap.
func (h *Heap) ForEachObject(fn func(heapsnapshot.Object) bool) {
	for _, o := range h.objects {
		if !fn(o) {
			return
		}
	}
}

// ForEachRoot implements heapsnapshot.Heap.
func (h *Heap) ForEachRoot(fn func(heapsnapshot.Object)) {
	for _, o := range h.roots {
		fn(o)
	}
}

// ForEachGlobal implements heapsnapshot.Heap.
func (h *Heap) ForEachGlobal(fn func(heapsnapshot.Object)) {
	for _, o := range h.globals {
		fn(o)
	}
}

// NativeGroups implements heapsnapshot.NativeGroupsProvider. Wrappers
// removed since loading are left out.
func (h *Heap) NativeGroups() []heapsnapshot.NativeGroup {
	groups := make([]heapsnapshot.NativeGroup, 0, len(h.natives))
	for _, n := range h.natives {
		g := heapsnapshot.NativeGroup{Info: newInfo(n.Label, n.Hash, n.Elements, n.Size)}
		for _, s := range n.Wrappers {
			addr, err := parseAddr(s)
			if err != nil {
				continue
			}
			if obj, ok := h.byAddr[heapsnapshot.Address(addr)]; ok {
				g.Wrappers = append(g.Wrappers, obj)
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// WrapperCallbacks returns one info callback per described class. All
// wrappers of a class retain the same native object.
func (h *Heap) WrapperCallbacks() map[uint16]heapsnapshot.WrapperInfoCallback {
	out := make(map[uint16]heapsnapshot.WrapperInfoCallback, len(h.classes))
	for id, c := range h.classes {
		info := newInfo(c.Label, xxhash.Sum64String(fmt.Sprintf("class:%d:%s", id, c.Label)), nil, c.Size)
		out[id] = func(uint16, heapsnapshot.Object) heapsnapshot.RetainedObjectInfo { return info }
	}
	return out
}

// Move relocates the object at from to to. Native groups follow the
// object. The caller reports the move to the heap profiler.
func (h *Heap) Move(from, to heapsnapshot.Address) error {
	obj, ok := h.byAddr[from]
	if !ok {
		return apperrors.Newf(apperrors.CodeInvalidInput, "no object at %#x", uint64(from))
	}
	if _, taken := h.byAddr[to]; taken && from != to {
		return apperrors.Newf(apperrors.CodeInvalidInput, "address %#x is taken", uint64(to))
	}
	delete(h.byAddr, from)
	obj.addr = to
	h.byAddr[to] = obj
	for i := range h.natives {
		for j, s := range h.natives[i].Wrappers {
			if addr, err := parseAddr(s); err == nil && addr == uint64(from) {
				h.natives[i].Wrappers[j] = fmt.Sprintf("%#x", uint64(to))
			}
		}
	}
	return nil
}

// Remove drops the object at addr and every reference to it.
func (h *Heap) Remove(addr heapsnapshot.Address) error {
	obj, ok := h.byAddr[addr]
	if !ok {
		return apperrors.Newf(apperrors.CodeInvalidInput, "no object at %#x", uint64(addr))
	}
	delete(h.byAddr, addr)
	h.objects = without(h.objects, obj)
	h.roots = without(h.roots, obj)
	h.globals = without(h.globals, obj)
	for _, o := range h.objects {
		kept := o.refs[:0]
		for _, r := range o.refs {
			if r.to != obj {
				kept = append(kept, r)
			}
		}
		o.refs = kept
	}
	return nil
}

func without(list []*Object, obj *Object) []*Object {
	out := list[:0]
	for _, o := range list {
		if o != obj {
			out = append(out, o)
		}
	}
	return out
}

// Apply runs a change set: moves first, then removals, then additions.
// onMove is called for every relocation so the profiler can follow it.
func (h *Heap) Apply(ch *Changes, onMove func(from, to heapsnapshot.Address)) error {
	for _, m := range ch.Moves {
		from, err := parseAddr(m.From)
		if err != nil {
			return err
		}
		to, err := parseAddr(m.To)
		if err != nil {
			return err
		}
		if err := h.Move(heapsnapshot.Address(from), heapsnapshot.Address(to)); err != nil {
			return err
		}
		if onMove != nil {
			onMove(heapsnapshot.Address(from), heapsnapshot.Address(to))
		}
	}
	for _, s := range ch.Remove {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		if err := h.Remove(heapsnapshot.Address(addr)); err != nil {
			return err
		}
	}
	added := make([]*Object, 0, len(ch.Add))
	for _, od := range ch.Add {
		obj, err := h.addObject(od)
		if err != nil {
			return err
		}
		added = append(added, obj)
	}
	for _, obj := range added {
		if err := h.link(obj); err != nil {
			return err
		}
	}
	if ch.Roots != nil {
		roots, err := h.lookupAll(ch.Roots)
		if err != nil {
			return err
		}
		h.roots = roots
	}
	return nil
}

// info is a RetainedObjectInfo from a description.
type info struct {
	label    string
	hash     uint64
	elements int
	size     int
}

func newInfo(label string, hash uint64, elements, size *int) info {
	i := info{label: label, hash: hash, elements: -1, size: -1}
	if elements != nil {
		i.elements = *elements
	}
	if size != nil {
		i.size = *size
	}
	return i
}

func (i info) Label() string { return i.label }
func (i info) Hash() uint64 { return i.hash }
func (i info) ElementCount() int { return i.elements }
func (i info) SizeInBytes() int { return i.size }

// DefineClasses registers the described wrapper classes with hp.
func (h *Heap) DefineClasses(hp *heapsnapshot.HeapProfiler) {
	for id, cb := range h.WrapperCallbacks() {
		hp.DefineWrapperClass(id, cb)
	}
}

// LoadFile loads a heap description, choosing the format from the file
// extension.
func LoadFile(path string) (*Heap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "failed to open heap description", err)
	}
	defer f.Close()
	return Load(f, FormatForPath(path))
}

// LoadChangesFile reads a change set, choosing the format from the file
// extension.
func LoadChangesFile(path string) (*Changes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "failed to open change set", err)
	}
	defer f.Close()
	return DecodeChanges(f, FormatForPath(path))
}
