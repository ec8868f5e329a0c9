package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/pkg/config"
)

func newLocal(t *testing.T) (*LocalStorage, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)
	return s, dir
}

func TestNewLocalStorage(t *testing.T) {
	t.Run("CreatesDirectory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "artifacts")

		s, err := NewLocalStorage(path)
		require.NoError(t, err)
		assert.Equal(t, path, s.BasePath())

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("DefaultPath", func(t *testing.T) {
		t.Chdir(t.TempDir())

		s, err := NewLocalStorage("")
		require.NoError(t, err)
		assert.Equal(t, "./artifacts", s.BasePath())
	})
}

func TestLocalStorage_PutGet(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()

	content := []byte(`{"snapshot":{"title":"t","uid":1}}`)
	require.NoError(t, s.Put(ctx, "snapshots/1.heapsnapshot", bytes.NewReader(content)))

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "1.heapsnapshot"))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	r, err := s.Get(ctx, "snapshots/1.heapsnapshot")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Overwrite leaves no temporary files behind.
	require.NoError(t, s.Put(ctx, "snapshots/1.heapsnapshot", bytes.NewReader([]byte("v2"))))
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalStorage_GetMissing(t *testing.T) {
	s, _ := newLocal(t)
	_, err := s.Get(context.Background(), "missing.pb.gz")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestLocalStorage_PutFailingReader(t *testing.T) {
	s, dir := newLocal(t)
	err := s.Put(context.Background(), "broken", io.MultiReader(bytes.NewReader([]byte("x")), errReader{}))
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "broken"))
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocalStorage_CanceledContext(t *testing.T) {
	s, _ := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Put(ctx, "a", bytes.NewReader(nil)), context.Canceled)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Delete(ctx, "a"), context.Canceled)
	_, err = s.Exists(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStorage_DeleteExists(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "profiles/p.pb.gz", bytes.NewReader([]byte("x"))))

	ok, err := s.Exists(ctx, "profiles/p.pb.gz")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "profiles/p.pb.gz"))
	ok, err = s.Exists(ctx, "profiles/p.pb.gz")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting twice is fine.
	assert.NoError(t, s.Delete(ctx, "profiles/p.pb.gz"))
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	s, _ := newLocal(t)
	for _, key := range []string{"", "../outside", "a/../../outside", "/etc/passwd"} {
		err := s.Put(context.Background(), key, bytes.NewReader(nil))
		assert.Error(t, err, key)
	}
	// Clean paths inside the tree are accepted.
	assert.NoError(t, s.Put(context.Background(), "a/../b", bytes.NewReader(nil)))
}

func TestLocalStorage_URL(t *testing.T) {
	s, dir := newLocal(t)
	assert.Equal(t, filepath.Join(dir, "snapshots", "2.heapsnapshot.zst"), s.URL("snapshots/2.heapsnapshot.zst"))
}

func TestNewStorage_Local(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(&config.StorageConfig{Type: "local", LocalPath: dir})
	require.NoError(t, err)
	_, ok := s.(*LocalStorage)
	assert.True(t, ok)

	s, err = NewStorage(&config.StorageConfig{LocalPath: dir})
	require.NoError(t, err)
	_, ok = s.(*LocalStorage)
	assert.True(t, ok)
}
