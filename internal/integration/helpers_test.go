package integration

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRsync stands in for rsync: it records its arguments and exits on SIGTERM.
const fakeRsync = `#!/bin/sh
echo "$@" > "$(dirname "$0")/rsync.args"
trap 'exit 0' TERM
while true; do sleep 0.05; done
`

// installFakeRsync writes the fake daemon into its own directory so state
// directories stay free of unrelated files.
func installFakeRsync(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rsync")
	require.NoError(t, os.WriteFile(path, []byte(fakeRsync), 0o755))

	return path
}

// reservePort returns a port that was free a moment ago.
func reservePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	return port
}

func reserveAddress(t *testing.T) string {
	t.Helper()

	return net.JoinHostPort("127.0.0.1", strconv.Itoa(reservePort(t)))
}

func fixturePath(name string) string {
	return filepath.Join("..", "archive", "testdata", name)
}
