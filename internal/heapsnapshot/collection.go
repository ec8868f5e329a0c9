package heapsnapshot

import (
	"sync"

	"github.com/vm-profiler/internal/interner"
)

// HeapSnapshotsCollection owns the finished snapshots and the object id
// map shared between them.
type HeapSnapshotsCollection struct {
	mu        sync.RWMutex
	tracking  bool
	snapshots []*HeapSnapshot
	byUID     map[uint32]*HeapSnapshot

	names *interner.Storage
	ids   *HeapObjectsMap
}

// NewHeapSnapshotsCollection creates an empty collection.
func NewHeapSnapshotsCollection(names *interner.Storage) *HeapSnapshotsCollection {
	if names == nil {
		names = interner.New()
	}
	return &HeapSnapshotsCollection{
		byUID: make(map[uint32]*HeapSnapshot),
		names: names,
		ids:   NewHeapObjectsMap(),
	}
}

// Names returns the interner owning entry and edge names.
func (c *HeapSnapshotsCollection) Names() *interner.Storage { return c.names }

// IDs returns the object id map.
func (c *HeapSnapshotsCollection) IDs() *HeapObjectsMap { return c.ids }

// IsTracking reports whether object moves must be followed. It turns on
// with the first snapshot.
func (c *HeapSnapshotsCollection) IsTracking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracking
}

// NewSnapshot creates a snapshot bound to the collection. It is not
// visible until SnapshotGenerationFinished registers it.
func (c *HeapSnapshotsCollection) NewSnapshot(kind SnapshotKind, title string, uid uint32) *HeapSnapshot {
	c.mu.Lock()
	c.tracking = true
	c.mu.Unlock()
	return NewHeapSnapshot(c, kind, title, uid)
}

// SnapshotGenerationFinished registers a completed snapshot. A nil
// snapshot, from an aborted generation, registers nothing.
func (c *HeapSnapshotsCollection) SnapshotGenerationFinished(s *HeapSnapshot) {
	if s == nil {
		return
	}
	c.ids.SnapshotGenerationFinished()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	c.byUID[s.uid] = s
}

// GetObjectID returns the stable id of the object at addr.
func (c *HeapSnapshotsCollection) GetObjectID(addr Address) uint64 {
	return c.ids.FindObject(addr)
}

// ObjectMoveEvent follows a relocation once tracking is on.
func (c *HeapSnapshotsCollection) ObjectMoveEvent(from, to Address) {
	if c.IsTracking() {
		c.ids.MoveObject(from, to)
	}
}

// GetSnapshot returns the snapshot with the given uid, or nil.
func (c *HeapSnapshotsCollection) GetSnapshot(uid uint32) *HeapSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byUID[uid]
}

// Snapshots returns the registered snapshots in creation order.
func (c *HeapSnapshotsCollection) Snapshots() []*HeapSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*HeapSnapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

// Len returns the number of registered snapshots.
func (c *HeapSnapshotsCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

// RemoveSnapshot unregisters s.
func (c *HeapSnapshotsCollection) RemoveSnapshot(s *HeapSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.snapshots {
		if x == s {
			c.snapshots = append(c.snapshots[:i], c.snapshots[i+1:]...)
			break
		}
	}
	if c.byUID[s.uid] == s {
		delete(c.byUID, s.uid)
	}
}

// Clear unregisters every snapshot. Object ids are kept.
func (c *HeapSnapshotsCollection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = nil
	c.byUID = make(map[uint32]*HeapSnapshot)
}
