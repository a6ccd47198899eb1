package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/repository/pointer"
	"github.com/oshokin/factory-update/internal/service/watcher"
)

func watcherConfig(t *testing.T, stateDir string) *config.Config {
	t.Helper()

	return &config.Config{
		StateDir:           stateDir,
		DaemonBinary:       installFakeRsync(t),
		DaemonPort:         reservePort(t),
		PollInterval:       20 * time.Millisecond,
		DaemonStopTimeout:  time.Second,
		DaemonStartupGrace: 50 * time.Millisecond,
	}
}

// TestWatcher_BogusArchiveThenRealOneAcrossRestart drops a corrupt archive,
// replaces it with a valid one and checks that a restarted watcher recreates
// a deleted latest.md5sum without extracting again.
func TestWatcher_BogusArchiveThenRealOneAcrossRestart(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	source := filepath.Join(stateDir, config.DefaultTarballName)
	hashFile := filepath.Join(stateDir, config.DefaultPayloadRoot, pointer.HashFilename)

	w, err := watcher.New(watcherConfig(t, stateDir))
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(source, []byte("Not really a bzip2"), 0o644))

	require.Eventually(t, func() bool {
		return w.Counters().Runs >= 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NoFileExists(t, hashFile)

	data, err := os.ReadFile(fixturePath("autotest.tar.bz2"))
	require.NoError(t, err)

	// Write next to the source and rename so the watcher never sees a half-written file.
	require.NoError(t, os.WriteFile(source+".tmp", data, 0o644))
	require.NoError(t, os.Rename(source+".tmp", source))

	require.Eventually(t, func() bool {
		got, readErr := os.ReadFile(hashFile)

		return readErr == nil && string(got) == fixtureHash
	}, 5*time.Second, 10*time.Millisecond)

	require.FileExists(t, filepath.Join(stateDir, config.DefaultPayloadRoot, fixtureHash, config.DefaultPayloadRoot, "README"))
	require.Equal(t, int64(1), w.Counters().Updates)
	require.NoError(t, w.Stop(ctx))
	require.False(t, w.DaemonRunning())

	require.NoError(t, os.Remove(hashFile))

	restarted, err := watcher.New(watcherConfig(t, stateDir))
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))

	t.Cleanup(func() {
		_ = restarted.Stop(context.Background())
	})

	require.Eventually(t, func() bool {
		got, readErr := os.ReadFile(hashFile)

		return readErr == nil && string(got) == fixtureHash
	}, 5*time.Second, 10*time.Millisecond)

	require.Zero(t, restarted.Counters().Updates)

	versions, err := restarted.Versions()
	require.NoError(t, err)
	require.Equal(t, []string{fixtureHash}, versions)

	target, err := os.Readlink(filepath.Join(stateDir, config.DefaultPayloadRoot, pointer.LinkName))
	require.NoError(t, err)
	require.Equal(t, fixtureHash, filepath.Base(target))
}
