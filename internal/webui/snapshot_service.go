package webui

import (
	"context"
	"io"
	"strconv"

	"github.com/samber/lo"

	"github.com/vm-profiler/internal/heapsnapshot"
	apperrors "github.com/vm-profiler/pkg/errors"
)

// SnapshotSummary describes a registered heap snapshot.
type SnapshotSummary struct {
	UID     uint32 `json:"uid"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	Entries int    `json:"entries"`
	Edges   int    `json:"edges"`
}

// EntryRef names an entry from another entry's point of view.
type EntryRef struct {
	ID       uint64 `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Edge     string `json:"edge"`
	EdgeName string `json:"edge_name"`
}

// EntryDetail is one entry with its neighbours in the graph.
type EntryDetail struct {
	ID           uint64     `json:"id"`
	Type         string     `json:"type"`
	Name         string     `json:"name"`
	SelfSize     int        `json:"self_size"`
	RetainedSize int        `json:"retained_size"`
	Dominator    uint64     `json:"dominator"`
	Children     []EntryRef `json:"children"`
	Retainers    []EntryRef `json:"retainers"`
}

// DiffSummary compares two snapshots by object id.
type DiffSummary struct {
	Base         uint32   `json:"base"`
	Target       uint32   `json:"target"`
	Added        int      `json:"added"`
	Removed      int      `json:"removed"`
	AddedSize    int      `json:"added_size"`
	RemovedSize  int      `json:"removed_size"`
	AddedNames   []string `json:"added_names,omitempty"`
	RemovedNames []string `json:"removed_names,omitempty"`
}

// SnapshotService serves the snapshots of a HeapProfiler.
type SnapshotService struct {
	profiler *heapsnapshot.HeapProfiler
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(profiler *heapsnapshot.HeapProfiler) *SnapshotService {
	return &SnapshotService{profiler: profiler}
}

// List returns the registered snapshots, oldest first.
func (s *SnapshotService) List() []SnapshotSummary {
	return lo.Map(s.profiler.Snapshots(), func(snap *heapsnapshot.HeapSnapshot, _ int) SnapshotSummary {
		return summarizeSnapshot(snap)
	})
}

// Take generates a snapshot. Generation stops when ctx is done.
func (s *SnapshotService) Take(ctx context.Context, title string, kind heapsnapshot.SnapshotKind) (*SnapshotSummary, error) {
	snap := s.profiler.TakeSnapshot(ctx, title, kind, nil)
	if snap == nil {
		return nil, apperrors.ErrSnapshotAborted
	}
	summary := summarizeSnapshot(snap)
	return &summary, nil
}

// Get returns the snapshot uid.
func (s *SnapshotService) Get(uid uint32) (*heapsnapshot.HeapSnapshot, error) {
	snap := s.profiler.FindSnapshot(uid)
	if snap == nil {
		return nil, apperrors.Newf(apperrors.CodeSnapshotNotFound, "snapshot %d not found", uid)
	}
	return snap, nil
}

// Stream writes the wire format of snapshot uid to w.
func (s *SnapshotService) Stream(uid uint32, w io.Writer, chunkSize int) error {
	snap, err := s.Get(uid)
	if err != nil {
		return err
	}
	stream := heapsnapshot.NewWriterStream(w, chunkSize)
	if err := snap.Serialize(stream, heapsnapshot.FormatJSON); err != nil {
		return apperrors.Wrap(apperrors.CodeSerializeError, "failed to serialize snapshot", err)
	}
	if err := stream.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeSerializeError, "failed to write snapshot", err)
	}
	return nil
}

// Entry returns the entry with object id id in snapshot uid. The retained
// size is exact.
func (s *SnapshotService) Entry(uid uint32, id uint64) (*EntryDetail, error) {
	snap, err := s.Get(uid)
	if err != nil {
		return nil, err
	}
	e := snap.GetEntryByID(id)
	if e == nil {
		return nil, apperrors.Newf(apperrors.CodeSnapshotNotFound, "snapshot %d has no entry %d", uid, id)
	}
	detail := &EntryDetail{
		ID:           e.ID(),
		Type:         e.Type().String(),
		Name:         e.Name(),
		SelfSize:     e.SelfSize(),
		RetainedSize: e.RetainedSize(true),
	}
	if d := e.Dominator(); d != nil {
		detail.Dominator = d.ID()
	}
	detail.Children = lo.Map(e.Children(), func(edge heapsnapshot.HeapGraphEdge, _ int) EntryRef {
		return entryRef(&edge, edge.To())
	})
	detail.Retainers = lo.Map(e.Retainers(), func(edge *heapsnapshot.HeapGraphEdge, _ int) EntryRef {
		return entryRef(edge, edge.From())
	})
	return detail, nil
}

// Diff compares snapshot base with snapshot uid.
func (s *SnapshotService) Diff(uid, base uint32) (*DiffSummary, error) {
	target, err := s.Get(uid)
	if err != nil {
		return nil, err
	}
	before, err := s.Get(base)
	if err != nil {
		return nil, err
	}
	if target.Kind() != heapsnapshot.KindFull || before.Kind() != heapsnapshot.KindFull {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "only full snapshots can be compared")
	}
	d := heapsnapshot.CompareSnapshots(before, target)
	name := func(e *heapsnapshot.HeapEntry, _ int) string { return e.Name() }
	return &DiffSummary{
		Base:         base,
		Target:       uid,
		Added:        len(d.Added),
		Removed:      len(d.Removed),
		AddedSize:    d.AddedSize(),
		RemovedSize:  d.RemovedSize(),
		AddedNames:   lo.Uniq(lo.Map(d.Added, name)),
		RemovedNames: lo.Uniq(lo.Map(d.Removed, name)),
	}, nil
}

func summarizeSnapshot(snap *heapsnapshot.HeapSnapshot) SnapshotSummary {
	return SnapshotSummary{
		UID:     snap.UID(),
		Title:   snap.Title(),
		Kind:    snap.Kind().String(),
		Entries: snap.EntriesCount(),
		Edges:   snap.EdgesCount(),
	}
}

func entryRef(edge *heapsnapshot.HeapGraphEdge, other *heapsnapshot.HeapEntry) EntryRef {
	ref := EntryRef{
		ID:   other.ID(),
		Type: other.Type().String(),
		Name: other.Name(),
		Edge: edge.Type().String(),
	}
	if edge.Type().HasIndex() {
		ref.EdgeName = "[" + strconv.Itoa(edge.Index()) + "]"
	} else {
		ref.EdgeName = edge.Name()
	}
	return ref
}
