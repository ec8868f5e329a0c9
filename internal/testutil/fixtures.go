// Package testutil provides fixtures shared by the package tests: the
// testdata heap and workload, and throwaway artifact stores.
package testutil

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/objgraph"
	"github.com/vm-profiler/internal/replay"
	"github.com/vm-profiler/internal/repository"
	"github.com/vm-profiler/internal/storage"
	"github.com/vm-profiler/pkg/config"
)

// Fixture files under testdata.
const (
	HeapFixture     = "heap.yaml"
	WorkloadFixture = "workload.collapsed"
)

// GetTestDataPath returns the absolute path to a file in the testdata
// directory of this package.
func GetTestDataPath(t *testing.T, filename string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to get testutil path")
	}
	return filepath.Join(filepath.Dir(file), "testdata", filename)
}

// LoadFixture loads a test fixture file and returns its contents.
func LoadFixture(t *testing.T, filename string) []byte {
	t.Helper()
	data, err := os.ReadFile(GetTestDataPath(t, filename))
	require.NoError(t, err, "failed to load fixture %s", filename)
	return data
}

// LoadFixtureReader loads a test fixture file and returns a reader.
func LoadFixtureReader(t *testing.T, filename string) io.Reader {
	return bytes.NewReader(LoadFixture(t, filename))
}

// Heap loads the testdata heap.
func Heap(t *testing.T) *objgraph.Heap {
	t.Helper()
	heap, err := objgraph.Load(LoadFixtureReader(t, HeapFixture), objgraph.FormatYAML)
	require.NoError(t, err)
	return heap
}

// BuildHeap builds a heap from an inline description.
func BuildHeap(t *testing.T, doc *objgraph.Doc) *objgraph.Heap {
	t.Helper()
	heap, err := objgraph.Build(doc)
	require.NoError(t, err)
	return heap
}

// Stacks parses collapsed stacks, or the testdata workload when collapsed
// is empty. The workload lines start with a thread frame.
func Stacks(t *testing.T, collapsed string) []replay.Stack {
	t.Helper()
	var opts replay.ParseOptions
	var r io.Reader = strings.NewReader(collapsed)
	if collapsed == "" {
		r = LoadFixtureReader(t, WorkloadFixture)
		opts.ThreadFrame = true
	}
	stacks, err := replay.Parse(context.Background(), r, opts)
	require.NoError(t, err)
	return stacks
}

// ReplayProfile replays collapsed stacks into a finished profile.
func ReplayProfile(t *testing.T, title, collapsed string) *cpuprofile.CpuProfile {
	t.Helper()
	p, err := replay.Replay(context.Background(), title, Stacks(t, collapsed), replay.Options{})
	require.NoError(t, err)
	return p
}

// ArtifactRepository opens a migrated sqlite repository in a temporary
// directory.
func ArtifactRepository(t *testing.T) repository.ArtifactRepository {
	t.Helper()
	db, err := repository.NewGormDB(&config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "artifacts.db"),
	}, false)
	require.NoError(t, err)
	repos, err := repository.NewRepositories(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { repos.Close() })
	return repos.Artifacts
}

// LocalStorage creates blob storage in a temporary directory.
func LocalStorage(t *testing.T) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return store
}
