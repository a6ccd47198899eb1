package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// dirPermissions is applied to parent directories not described by the archive.
	dirPermissions = 0o755
	// ownerRWX keeps extracted directories writable for the extraction itself.
	ownerRWX = 0o700
)

var (
	// ErrEmptyArchive is returned when an archive holds no entries at all.
	ErrEmptyArchive = errors.New("archive has no entries")
	// ErrUnsafePath is returned for entries or link targets that would land outside the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")
	// ErrUnsupportedEntry is returned for device nodes, fifos and other special entries.
	ErrUnsupportedEntry = errors.New("unsupported archive entry")
)

// Listing summarizes a fully read archive.
type Listing struct {
	// Format is the detected compression.
	Format Format
	// Entries is the number of tar headers read.
	Entries int
	// Bytes is the total size of regular file bodies.
	Bytes int64
}

// List reads every header and body of the archive at path and drains the
// remaining stream, so truncation anywhere in the file surfaces as an error.
func List(ctx context.Context, path string) (*Listing, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = f.Close()
	}()

	stream, format, release, err := decompressor(f)
	if err != nil {
		return nil, err
	}

	defer release()

	listing := &Listing{Format: format}
	tr := tar.NewReader(stream)

	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		var hdr *tar.Header

		hdr, err = tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		listing.Entries++

		if hdr.Typeflag == tar.TypeReg {
			var n int64

			n, err = io.Copy(io.Discard, tr)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
			}

			listing.Bytes += n
		}
	}

	// Tar stops at the end-of-archive blocks; the compressed trailer must still decode.
	if _, err = io.Copy(io.Discard, stream); err != nil {
		return nil, fmt.Errorf("read archive trailer: %w", err)
	}

	if listing.Entries == 0 {
		return nil, ErrEmptyArchive
	}

	return listing, nil
}

// Extract unpacks the archive at path into dst, which must exist.
// Every filesystem call goes through an os.Root on dst, so symlinks created by
// earlier entries can never be followed outside it.
// On error dst may hold a partial tree; callers extract into a staging directory.
func Extract(ctx context.Context, path, dst string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	root, err := os.OpenRoot(dst)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}

	defer func() {
		_ = root.Close()
	}()

	stream, _, release, err := decompressor(f)
	if err != nil {
		return err
	}

	defer release()

	tr := tar.NewReader(stream)
	entries := 0

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		var hdr *tar.Header

		hdr, err = tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%s: %w", hdr.Name, ErrUnsafePath)
		}

		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		entries++

		if err = extractEntry(root, hdr, tr); err != nil {
			return err
		}
	}

	if entries == 0 {
		return ErrEmptyArchive
	}

	return nil
}

//nolint:cyclop // One case per tar entry type.
func extractEntry(root *os.Root, hdr *tar.Header, r io.Reader) error {
	name, skip, err := localName(hdr.Name)
	if err != nil || skip {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err = checkParents(root, name); err != nil {
			return err
		}

		if err = root.MkdirAll(name, hdr.FileInfo().Mode().Perm()|ownerRWX); err != nil {
			return fmt.Errorf("create directory %s: %w", hdr.Name, err)
		}

		return nil
	case tar.TypeReg:
		return writeFile(root, name, r, hdr)
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), hdr.Linkname)) {
			return fmt.Errorf("symlink %s -> %s: %w", hdr.Name, hdr.Linkname, ErrUnsafePath)
		}

		if err = prepareTarget(root, name); err != nil {
			return err
		}

		return root.Symlink(hdr.Linkname, name)
	case tar.TypeLink:
		source, rootItself, linkErr := localName(hdr.Linkname)
		if linkErr != nil {
			return linkErr
		}

		if rootItself {
			return fmt.Errorf("hard link %s -> %s: %w", hdr.Name, hdr.Linkname, ErrUnsafePath)
		}

		if err = checkParents(root, source); err != nil {
			return err
		}

		if err = prepareTarget(root, name); err != nil {
			return err
		}

		return root.Link(source, name)
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	default:
		return fmt.Errorf("%s (type %q): %w", hdr.Name, hdr.Typeflag, ErrUnsupportedEntry)
	}
}

// localName cleans an archive name into a path relative to the destination.
// skip is true for the archive root itself.
func localName(name string) (string, bool, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", true, nil
	}

	if !filepath.IsLocal(clean) {
		return "", false, fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}

	return clean, false, nil
}

// checkParents refuses names whose existing parent directories include a symlink.
// A symlink is only ever a leaf; nothing is extracted through one.
func checkParents(root *os.Root, name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}

	current := ""

	for _, part := range strings.Split(dir, string(os.PathSeparator)) {
		current = filepath.Join(current, part)

		info, err := root.Lstat(current)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("inspect %s: %w", current, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s: parent %s is a symlink: %w", name, current, ErrUnsafePath)
		}
	}

	return nil
}

// prepareTarget creates the parent directory and removes whatever a previous
// entry left at name, so a later entry never writes through an earlier symlink.
func prepareTarget(root *os.Root, name string) error {
	if err := checkParents(root, name); err != nil {
		return err
	}

	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, dirPermissions); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if err := root.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", name, err)
	}

	return nil
}

func writeFile(root *os.Root, name string, r io.Reader, hdr *tar.Header) error {
	if err := prepareTarget(root, name); err != nil {
		return err
	}

	f, err := root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", hdr.Name, err)
	}

	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()

		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", hdr.Name, err)
	}

	// rsync clients compare mtimes, so keep the producer's.
	if !hdr.ModTime.IsZero() {
		if err = root.Chtimes(name, hdr.ModTime, hdr.ModTime); err != nil {
			return fmt.Errorf("set times on %s: %w", hdr.Name, err)
		}
	}

	return nil
}
