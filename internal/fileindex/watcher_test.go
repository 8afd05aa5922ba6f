package fileindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Snapshot_DirsFirstThenAlphabetical(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "zdir"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "adir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	w, err := New(Config{Root: root})
	require.NoError(t, err)
	defer w.Stop()

	entries, err := w.snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.True(t, entries[0].IsDir)
	assert.True(t, entries[1].IsDir)
	assert.False(t, entries[2].IsDir)
	assert.False(t, entries[3].IsDir)
	assert.Contains(t, entries[0].Path, "adir")
	assert.Contains(t, entries[1].Path, "zdir")
	assert.Contains(t, entries[2].Path, "a.txt")
	assert.Contains(t, entries[3].Path, "b.txt")
}

func TestWatcher_Snapshot_SkipsNoiseDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "x.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	w, err := New(Config{Root: root})
	require.NoError(t, err)
	defer w.Stop()

	entries, err := w.snapshot()
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Path, "node_modules")
	}
}

func TestWatcher_Snapshot_RespectsIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.env"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))

	w, err := New(Config{Root: root, IgnorePatterns: []string{"*.env"}})
	require.NoError(t, err)
	defer w.Stop()

	entries, err := w.snapshot()
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Path, "secret.env")
	}
}

func TestWatcher_Start_EmitsInitialFullIndex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	w, err := New(Config{Root: root, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())

	select {
	case entries := <-w.FullIndex:
		assert.Len(t, entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an initial full index snapshot")
	}
}

func TestWatcher_Start_DebouncesChangesIntoOneBatch(t *testing.T) {
	root := t.TempDir()

	w, err := New(Config{Root: root, Debounce: 30 * time.Millisecond, RebuildInterval: time.Millisecond})
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start())

	<-w.FullIndex // drain initial snapshot

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "f"+string(rune('a'+i))+".txt"), []byte("x"), 0o644))
	}

	select {
	case changes := <-w.Changes:
		assert.GreaterOrEqual(t, len(changes), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a batched change set")
	}
}
