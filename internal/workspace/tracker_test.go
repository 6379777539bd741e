package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	tr, err := NewTracker(dir, nil)
	require.NoError(t, err)
	tr.debounce = 20 * time.Millisecond
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestTrackerReportsExternalWrites(t *testing.T) {
	dir := t.TempDir()
	tr := startTracker(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "external.txt"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		for _, p := range tr.DrainChanges() {
			if p == "external.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Drain clears the set.
	assert.Empty(t, tr.DrainChanges())
}

func TestTrackerSuppressesSelfWrites(t *testing.T) {
	dir := t.TempDir()
	tr := startTracker(t, dir)

	path := filepath.Join(dir, "mine.txt")
	tr.MarkSelfWrite(path)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	time.Sleep(200 * time.Millisecond)
	for _, p := range tr.DrainChanges() {
		assert.NotEqual(t, "mine.txt", p)
	}
}

func TestTrackerHonorsGitignore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))
	tr := startTracker(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "noise.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code.go"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		for _, p := range tr.DrainChanges() {
			if p == "code.go" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	for _, p := range tr.DrainChanges() {
		assert.NotEqual(t, "noise.log", p)
	}
}

func TestTrackerWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	tr := startTracker(t, dir)

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a beat to pick up the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.go"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		for _, p := range tr.DrainChanges() {
			if p == filepath.Join("pkg", "a.go") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
