package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas/codeatlas/internal/ignore"
)

func startWatcher(t *testing.T, root string, matcher *ignore.Matcher) *Watcher {
	t.Helper()
	w, err := New(root, matcher, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitForBatch(t *testing.T, w *Watcher) []string {
	t.Helper()
	select {
	case batch := <-w.Triggers():
		return batch
	case <-time.After(3 * time.Second):
		t.Fatal("no trigger within timeout")
		return nil
	}
}

func TestWatcher_FileWriteTriggersBatch(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))

	batch := waitForBatch(t, w)
	assert.Contains(t, batch, "a.go")
}

func TestWatcher_BurstCoalescesIntoOneBatch(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, nil)

	// Several writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n"), 0o644))

	batch := waitForBatch(t, w)
	assert.Contains(t, batch, "a.go")
	assert.Contains(t, batch, "b.go")

	// a.go appears once despite five writes.
	count := 0
	for _, p := range batch {
		if p == "a.go" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWatcher_IgnoredPathsDoNotTrigger(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "keep"), 0o755))

	matcher := ignore.New()
	matcher.AddPattern("*.log")
	w := startWatcher(t, root, matcher)

	require.NoError(t, os.WriteFile(filepath.Join(root, "noise.log"), []byte("x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep", "real.go"), []byte("package keep\n"), 0o644))

	batch := waitForBatch(t, w)
	assert.Contains(t, batch, "keep/real.go")
	assert.NotContains(t, batch, "noise.log")
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, nil)

	sub := filepath.Join(root, "newpkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	_ = waitForBatch(t, w) // directory creation itself

	// Give the new watch a moment to register, then write into it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f.go"), []byte("package newpkg\n"), 0o644))

	batch := waitForBatch(t, w)
	assert.Contains(t, batch, "newpkg/f.go")
}

func TestWatcher_CloseIsIdempotentAndClosesChannels(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, open := <-w.Triggers()
	assert.False(t, open)
}
