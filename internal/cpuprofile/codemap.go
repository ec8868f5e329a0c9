package cpuprofile

import (
	"github.com/google/btree"
)

const codeMapDegree = 32

// codeRange is one record of the map.
type codeRange struct {
	start Address
	size  uint64
	entry *CodeEntry
}

func (r codeRange) end() Address { return r.start + Address(r.size) }

// CodeMap resolves addresses to code entries. Ranges never overlap: adding a
// range evicts every range it intersects. Shared function ids live apart
// from the ranges and cover no addresses. Not safe for concurrent use; the
// processor goroutine owns it.
type CodeMap struct {
	tree         *btree.BTreeG[codeRange]
	shared       map[Address]int
	nextSharedID int
}

// NewCodeMap creates an empty map.
func NewCodeMap() *CodeMap {
	return &CodeMap{
		tree: btree.NewG(codeMapDegree, func(a, b codeRange) bool {
			return a.start < b.start
		}),
		shared:       make(map[Address]int),
		nextSharedID: 1,
	}
}

// AddCode maps [addr, addr+size) to entry.
func (m *CodeMap) AddCode(addr Address, entry *CodeEntry, size uint64) {
	m.deleteAllCoveredCode(addr, addr+Address(size))
	m.tree.ReplaceOrInsert(codeRange{start: addr, size: size, entry: entry})
}

// deleteAllCoveredCode walks down from end-1 and removes every range that
// intersects [start, end).
func (m *CodeMap) deleteAllCoveredCode(start, end Address) {
	if end <= start {
		return
	}
	var toDelete []Address
	addr := end - 1
	for addr >= start {
		r, ok := m.findGreatestLessOrEqual(addr)
		if !ok {
			break
		}
		if r.start < end && start < r.end() {
			toDelete = append(toDelete, r.start)
		}
		if r.start == 0 {
			break
		}
		addr = r.start - 1
	}
	for _, a := range toDelete {
		m.tree.Delete(codeRange{start: a})
	}
}

// MoveCode relocates the code range and the shared function id at from.
func (m *CodeMap) MoveCode(from, to Address) {
	if from == to {
		return
	}
	if id, ok := m.shared[from]; ok {
		delete(m.shared, from)
		m.shared[to] = id
	}
	if r, ok := m.tree.Delete(codeRange{start: from}); ok {
		m.AddCode(to, r.entry, r.size)
	}
}

// DeleteCode removes the code range and the shared function id at addr.
func (m *CodeMap) DeleteCode(addr Address) {
	m.tree.Delete(codeRange{start: addr})
	delete(m.shared, addr)
}

// FindEntry returns the entry whose range contains addr, or nil.
func (m *CodeMap) FindEntry(addr Address) *CodeEntry {
	r, ok := m.findGreatestLessOrEqual(addr)
	if !ok {
		return nil
	}
	if addr < r.end() {
		return r.entry
	}
	return nil
}

// GetSharedID returns the id assigned to the function at addr, assigning the
// next free one on first request.
func (m *CodeMap) GetSharedID(addr Address) int {
	if id, ok := m.shared[addr]; ok {
		return id
	}
	id := m.nextSharedID
	m.nextSharedID++
	m.shared[addr] = id
	return id
}

// Len returns the number of records, shared function ids included.
func (m *CodeMap) Len() int {
	return m.tree.Len() + len(m.shared)
}

// ForEach calls fn for every code range in address order.
func (m *CodeMap) ForEach(fn func(start Address, size uint64, entry *CodeEntry)) {
	m.tree.Ascend(func(r codeRange) bool {
		fn(r.start, r.size, r.entry)
		return true
	})
}

// findGreatestLessOrEqual returns the code range with the greatest start not
// above addr.
func (m *CodeMap) findGreatestLessOrEqual(addr Address) (codeRange, bool) {
	var (
		found codeRange
		ok    bool
	)
	m.tree.DescendLessOrEqual(codeRange{start: addr}, func(r codeRange) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}
