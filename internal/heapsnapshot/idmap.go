package heapsnapshot

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Address is the location of a heap object.
type Address uint64

type objectIDInfo struct {
	id       uint64
	accessed bool
}

// HeapObjectsMap hands out object ids that stay the same while an object
// lives, even when it is moved. Heap object ids are odd; ids generated for
// native infos are even.
type HeapObjectsMap struct {
	mu              sync.Mutex
	initialFillMode bool
	nextID          uint64
	entries         map[Address]*objectIDInfo
}

// NewHeapObjectsMap creates an empty map in initial fill mode.
func NewHeapObjectsMap() *HeapObjectsMap {
	return &HeapObjectsMap{
		initialFillMode: true,
		nextID:          FirstAvailableObjectID,
		entries:         make(map[Address]*objectIDInfo),
	}
}

// FindObject returns the id of the object at addr, assigning a new one to
// objects seen for the first time. During the first snapshot every lookup
// is known to miss, so the map is not consulted.
func (m *HeapObjectsMap) FindObject(addr Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialFillMode {
		if info, ok := m.entries[addr]; ok {
			info.accessed = true
			return info.id
		}
	}
	id := m.nextID
	m.nextID += 2
	m.entries[addr] = &objectIDInfo{id: id, accessed: true}
	return id
}

// MoveObject follows an object relocation. An entry already present at
// to is overwritten: the collector may reuse the space of dead objects.
func (m *HeapObjectsMap) MoveObject(from, to Address) {
	if from == to {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.entries[from]
	if !ok {
		return
	}
	delete(m.entries, from)
	m.entries[to] = info
}

// SnapshotGenerationFinished leaves initial fill mode and forgets every
// object not seen by the snapshot just taken.
func (m *HeapObjectsMap) SnapshotGenerationFinished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialFillMode = false
	for addr, info := range m.entries {
		if !info.accessed {
			delete(m.entries, addr)
			continue
		}
		info.accessed = false
	}
}

// Len returns the number of tracked objects.
func (m *HeapObjectsMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GenerateID derives an id for a native info from its contents, so that
// equivalent infos get the same id in every snapshot. The id is even and
// never collides with heap object ids.
func GenerateID(info RetainedObjectInfo) uint64 {
	id := info.Hash() ^ xxhash.Sum64String(info.Label())
	if n := info.ElementCount(); n != -1 {
		id ^= xxhash.Sum64String(strconv.Itoa(n))
	}
	return id << 1
}
