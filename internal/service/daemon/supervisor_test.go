package daemon_test

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/factory-update/internal/domain/update"
	"github.com/oshokin/factory-update/internal/service/daemon"
)

const (
	// politeDaemon exits on SIGTERM and records its arguments.
	politeDaemon = `#!/bin/sh
echo "$@" > "$(dirname "$0")/args"
trap 'exit 0' TERM
while true; do sleep 0.05; done
`
	// stubbornDaemon ignores SIGTERM and has to be killed.
	stubbornDaemon = `#!/bin/sh
trap '' TERM
while true; do sleep 0.05; done
`
	// crashingDaemon fails right away, like rsync with a broken config.
	crashingDaemon = `#!/bin/sh
echo "bad config" >&2
exit 1
`
)

// Tests that spawn processes run sequentially: exec of a freshly written
// script fails with ETXTBSY when another test forks while it is still open.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	return path
}

func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	return port
}

func newOptions(t *testing.T, script string) daemon.Options {
	t.Helper()

	dir := t.TempDir()
	content := filepath.Join(dir, "autotest")
	require.NoError(t, os.Mkdir(content, 0o755))

	return daemon.Options{
		Binary:       writeScript(t, dir, "fake-rsync", script),
		Port:         freePort(t),
		WorkDir:      dir,
		ContentDir:   content,
		ModuleName:   "autotest",
		StopTimeout:  200 * time.Millisecond,
		StartupGrace: 100 * time.Millisecond,
	}
}

// TestRenderConfig verifies the generated rsyncd.conf layout.
func TestRenderConfig(t *testing.T) {
	t.Parallel()

	opts := daemon.Options{
		Port:       8083,
		WorkDir:    "/srv/state",
		ContentDir: "/srv/state/autotest",
		ModuleName: "autotest",
	}

	data, err := daemon.RenderConfig(&opts)
	require.NoError(t, err)
	require.Equal(t, `port = 8083
pid file = /srv/state/rsyncd.pid
log file = /srv/state/rsyncd.log
use chroot = no
[autotest]
  path = /srv/state/autotest
  read only = yes
`, string(data))
}

// TestStartStop verifies the daemon lifecycle and the files it leaves behind.
func TestStartStop(t *testing.T) {
	ctx := context.Background()
	opts := newOptions(t, politeDaemon)
	supervisor := daemon.New(opts)

	require.Equal(t, update.DaemonNotStarted, supervisor.State())
	require.NoError(t, supervisor.Stop(ctx))

	handle, err := supervisor.Start(ctx)
	require.NoError(t, err)
	require.True(t, handle.Alive())
	require.Positive(t, handle.PID())
	require.Equal(t, opts.Port, handle.Port())
	require.Equal(t, update.DaemonRunning, supervisor.State())
	require.True(t, supervisor.Running())
	require.FileExists(t, filepath.Join(opts.WorkDir, daemon.ConfigFilename))
	require.FileExists(t, filepath.Join(opts.WorkDir, daemon.LogFilename))

	_, err = supervisor.Start(ctx)
	require.ErrorIs(t, err, daemon.ErrInvalidState)

	require.Eventually(t, func() bool {
		args, readErr := os.ReadFile(filepath.Join(opts.WorkDir, "args"))

		return readErr == nil && strings.TrimSpace(string(args)) ==
			"--daemon --no-detach --config="+filepath.Join(opts.WorkDir, daemon.ConfigFilename)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, supervisor.Stop(ctx))
	require.False(t, handle.Alive())
	require.Equal(t, update.DaemonStopped, supervisor.State())
	require.False(t, supervisor.Running())

	require.NoError(t, supervisor.Stop(ctx))

	// Restart from Stopped is allowed.
	handle, err = supervisor.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, supervisor.Stop(ctx))
	require.False(t, handle.Alive())
}

// TestStop_KillsStubbornDaemon verifies SIGKILL follows an ignored SIGTERM.
func TestStop_KillsStubbornDaemon(t *testing.T) {
	ctx := context.Background()
	opts := newOptions(t, stubbornDaemon)
	supervisor := daemon.New(opts)

	handle, err := supervisor.Start(ctx)
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, supervisor.Stop(ctx))
	require.GreaterOrEqual(t, time.Since(started), opts.StopTimeout)
	require.False(t, handle.Alive())
	require.Error(t, handle.Err())
}

// TestStart_DaemonExits verifies an early exit is reported as fatal.
func TestStart_DaemonExits(t *testing.T) {
	opts := newOptions(t, crashingDaemon)
	supervisor := daemon.New(opts)

	_, err := supervisor.Start(context.Background())
	require.ErrorIs(t, err, daemon.ErrDaemonExited)
	require.Equal(t, update.DaemonStopped, supervisor.State())

	logged, err := os.ReadFile(filepath.Join(opts.WorkDir, daemon.LogFilename))
	require.NoError(t, err)
	require.Contains(t, string(logged), "bad config")
}

// TestStart_PortInUse verifies a bound port fails startup before spawning.
func TestStart_PortInUse(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = listener.Close()
	})

	opts := newOptions(t, politeDaemon)
	opts.Port = listener.Addr().(*net.TCPAddr).Port

	supervisor := daemon.New(opts)

	_, err = supervisor.Start(context.Background())
	require.ErrorIs(t, err, daemon.ErrPortUnavailable)
	require.Equal(t, update.DaemonNotStarted, supervisor.State())
	require.NoFileExists(t, filepath.Join(opts.WorkDir, "args"))
}

// TestStart_RemovesStalePIDFile verifies a leftover pid file of a dead process is cleared.
func TestStart_RemovesStalePIDFile(t *testing.T) {
	ctx := context.Background()
	opts := newOptions(t, politeDaemon)
	pidPath := filepath.Join(opts.WorkDir, daemon.PIDFilename)

	// Above the default pid_max, so never a live process.
	require.NoError(t, os.WriteFile(pidPath, []byte("4194305\n"), 0o644))

	supervisor := daemon.New(opts)

	_, err := supervisor.Start(ctx)
	require.NoError(t, err)
	require.NoFileExists(t, pidPath)
	require.NoError(t, supervisor.Stop(ctx))
}

// TestStart_KillsOrphanedDaemon verifies a live process recorded in the pid file is terminated.
func TestStart_KillsOrphanedDaemon(t *testing.T) {
	ctx := context.Background()
	opts := newOptions(t, stubbornDaemon)

	orphan := exec.Command(opts.Binary)
	require.NoError(t, orphan.Start())

	orphanDone := make(chan struct{})

	go func() {
		_ = orphan.Wait()
		close(orphanDone)
	}()

	pidPath := filepath.Join(opts.WorkDir, daemon.PIDFilename)
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(orphan.Process.Pid)), 0o644))

	supervisor := daemon.New(opts)

	_, err := supervisor.Start(ctx)
	require.NoError(t, err)

	select {
	case <-orphanDone:
	case <-time.After(2 * time.Second):
		_ = orphan.Process.Kill()
		t.Fatal("orphaned daemon was not killed")
	}

	require.NoError(t, supervisor.Stop(ctx))
}
