package heapsnapshot

import (
	"github.com/samber/lo"
)

// SnapshotDiff lists the entries present in only one of two snapshots,
// matched by object id.
type SnapshotDiff struct {
	Added   []*HeapEntry
	Removed []*HeapEntry
}

// AddedSize sums the self sizes of the added entries.
func (d SnapshotDiff) AddedSize() int {
	return lo.SumBy(d.Added, func(e *HeapEntry) int { return e.SelfSize() })
}

// RemovedSize sums the self sizes of the removed entries.
func (d SnapshotDiff) RemovedSize() int {
	return lo.SumBy(d.Removed, func(e *HeapEntry) int { return e.SelfSize() })
}

// CompareSnapshots diffs two full snapshots taken by the same profiler.
func CompareSnapshots(before, after *HeapSnapshot) SnapshotDiff {
	return SnapshotDiff{
		Added: lo.Filter(after.Entries(), func(e *HeapEntry, _ int) bool {
			return before.GetEntryByID(e.ID()) == nil
		}),
		Removed: lo.Filter(before.Entries(), func(e *HeapEntry, _ int) bool {
			return after.GetEntryByID(e.ID()) == nil
		}),
	}
}
