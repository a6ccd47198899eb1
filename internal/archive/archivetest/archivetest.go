// Package archivetest builds archive fixtures for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// FixtureTime is the mtime stamped on every generated entry.
var FixtureTime = time.Unix(1700000000, 0)

// File describes one tar entry.
type File struct {
	Name string
	Body string
	// Mode defaults to 0o644 for files and 0o755 for directories.
	Mode int64
	// Link makes the entry a symlink to Link.
	Link string
	// HardLink makes the entry a hard link to HardLink.
	HardLink string
	Dir      bool
	// Type overrides the computed type flag.
	Type byte
}

// Payload returns a small valid tree rooted at root.
func Payload(root, marker string) []File {
	return []File{
		{Name: root + "/", Dir: true},
		{Name: root + "/README", Body: "factory test payload " + marker + "\n"},
		{Name: root + "/suite/", Dir: true},
		{Name: root + "/suite/run.sh", Body: "#!/bin/sh\necho " + marker + "\n", Mode: 0o755},
	}
}

// Tar returns an uncompressed tar stream of files.
func Tar(t *testing.T, files []File) []byte {
	t.Helper()

	var buf bytes.Buffer

	writeTar(t, &buf, files)

	return buf.Bytes()
}

// Gzip returns files as a tar.gz stream.
func Gzip(t *testing.T, files []File) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	writeTar(t, zw, files)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// Zstd returns files as a tar.zst stream.
func Zstd(t *testing.T, files []File) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)

	writeTar(t, zw, files)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// Write stores data at path with a fixed mtime offset by age.
func Write(t *testing.T, path string, data []byte, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, data, 0o644))

	stamp := FixtureTime.Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

func writeTar(t *testing.T, w io.Writer, files []File) {
	t.Helper()

	tw := tar.NewWriter(w)

	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.Name,
			Mode:    f.Mode,
			ModTime: FixtureTime,
			Format:  tar.FormatPAX,
		}

		switch {
		case f.Dir:
			hdr.Typeflag = tar.TypeDir
			if hdr.Mode == 0 {
				hdr.Mode = 0o755
			}
		case f.Link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Link
			hdr.Mode = 0o777
		case f.HardLink != "":
			hdr.Typeflag = tar.TypeLink
			hdr.Linkname = f.HardLink
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
			if hdr.Mode == 0 {
				hdr.Mode = 0o644
			}
		}

		if f.Type != 0 {
			hdr.Typeflag = f.Type
		}

		require.NoError(t, tw.WriteHeader(hdr))

		if hdr.Typeflag == tar.TypeReg {
			_, err := io.WriteString(tw, f.Body)
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
}
