package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/internal/heapsnapshot"
)

func TestHeapFixture(t *testing.T) {
	heap := Heap(t)
	assert.Equal(t, 5, heap.Len())
	require.Len(t, heap.NativeGroups(), 1)

	hp := heapsnapshot.NewHeapProfiler(heap, heapsnapshot.Options{})
	s := hp.TakeSnapshot(context.Background(), "fixture", heapsnapshot.KindFull, nil)
	require.NotNil(t, s)
	assert.NotNil(t, s.NativesRoot())
}

func TestWorkloadFixture(t *testing.T) {
	stacks := Stacks(t, "")
	require.Len(t, stacks, 4)

	var total int64
	for _, s := range stacks {
		total += s.Count
	}
	assert.Equal(t, int64(70), total)

	p := ReplayProfile(t, "workload", "")
	assert.Equal(t, uint64(70), p.SamplesCount())
}

func TestArtifactStores(t *testing.T) {
	repo := ArtifactRepository(t)
	recs, err := repo.ListSnapshots(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	store := LocalStorage(t)
	assert.DirExists(t, store.BasePath())
}
