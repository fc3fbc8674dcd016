package filewatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherEmitsStableAfterQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-07-30T00-00-00_sb00.hdf5")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	w := New(dir, "*.hdf5", 30*time.Millisecond, WithPollInterval(10*time.Millisecond))
	require.NoError(t, w.Start(nil))
	defer w.Stop()

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
		assert.Equal(t, int64(4), ev.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stable event")
	}
}

func TestWatcherStartFailsOnMissingRoot(t *testing.T) {
	w := New("/no/such/landing/root", "*.hdf5", time.Second)
	err := w.Start(nil)
	assert.Error(t, err)
}

func TestWatcherResetsQuietTimerOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2026-07-30T00-00-00_sb01.hdf5")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	w := New(dir, "*.hdf5", 80*time.Millisecond, WithPollInterval(10*time.Millisecond))
	require.NoError(t, w.Start(nil))
	defer w.Stop()

	time.Sleep(40 * time.Millisecond)
	// Rewrite with a later mtime before the quiet period elapses.
	future := time.Now().Add(time.Second)
	require.NoError(t, os.WriteFile(path, []byte("ab"), 0o644))
	require.NoError(t, os.Chtimes(path, future, future))
	info, err := os.Stat(path)
	require.NoError(t, err)

	select {
	case ev := <-w.Events():
		assert.True(t, ev.StableMtime.Equal(info.ModTime()), "stable event must carry the rewritten mtime")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stable event")
	}
}
