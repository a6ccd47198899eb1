package pointer

import (
	"bytes"
	"crypto"
	"crypto/md5" //nolint:gosec // Matches the version hash clients read back.
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/factory-update/internal/config"
)

const (
	// LinkName is the symlink pointing at the newest version directory.
	LinkName = "latest"
	// HashFilename holds the newest version hash for clients that do not follow symlinks.
	HashFilename = "latest.md5sum"
)

// ErrNotFound is returned when no version has been advertised yet.
var ErrNotFound = errors.New("latest version not found")

// Pointer advertises the newest published version inside a store root.
type Pointer struct {
	// root is the store root holding both pointer artifacts.
	root string
	// mu serializes rewrites from this process.
	mu sync.Mutex
}

// New creates a pointer for the store root.
func New(root string) *Pointer {
	return &Pointer{
		root: filepath.Clean(root),
	}
}

// Read returns the advertised hash. While latest.md5sum is missing or
// empty, which happens briefly during every rewrite, the symlink answers.
func (p *Pointer) Read() (string, error) {
	hash, err := p.readHashFile()
	if !errors.Is(err, ErrNotFound) {
		return hash, err
	}

	target, err := os.Readlink(p.linkPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("read %s: %w", LinkName, err)
	}

	if target == "" {
		return "", ErrNotFound
	}

	return target, nil
}

// Current reports whether both artifacts already name hash.
func (p *Pointer) Current(hash string) bool {
	target, err := os.Readlink(p.linkPath())
	if err != nil || target != hash {
		return false
	}

	advertised, err := p.readHashFile()

	return err == nil && advertised == hash
}

func (p *Pointer) readHashFile() (string, error) {
	data, err := os.ReadFile(p.hashPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}

		return "", fmt.Errorf("read %s: %w", HashFilename, err)
	}

	hash := strings.TrimSpace(string(data))
	if hash == "" {
		return "", ErrNotFound
	}

	return hash, nil
}

// Advance points both artifacts at hash. The symlink moves first and the hash
// file second, so a client that sees the new hash always finds the new link.
func (p *Pointer) Advance(hash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Current(hash) {
		return nil
	}

	if err := p.replaceLink(hash); err != nil {
		return err
	}

	return p.writeHash(hash)
}

func (p *Pointer) replaceLink(hash string) error {
	tmpPath := p.linkPath() + ".tmp"

	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale link: %w", err)
	}

	if err := os.Symlink(hash, tmpPath); err != nil {
		return fmt.Errorf("create link: %w", err)
	}

	if err := os.Rename(tmpPath, p.linkPath()); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("replace link: %w", err)
	}

	return nil
}

// writeHash rewrites latest.md5sum. The first write goes through a temp file
// and one rename. Later ones use go-update, which verifies the new bytes
// against their checksum and then renames the old file away before moving
// the new one in, so the path is briefly absent; Read covers that gap.
func (p *Pointer) writeHash(hash string) error {
	path := p.hashPath()
	data := []byte(hash)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return writeFileAtomic(path, data)
	}

	checksum := md5.Sum(data) //nolint:gosec // See import comment.

	options := goupdate.Options{
		TargetPath: path,
		TargetMode: config.DefaultFilePermissions,
		Checksum:   checksum[:],
		Hash:       crypto.MD5,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("update %s: %w", HashFilename, err)
	}

	for _, leftover := range []string{path + ".old", filepath.Join(p.root, "."+HashFilename+".old")} {
		_ = os.Remove(leftover)
	}

	return nil
}

func (p *Pointer) linkPath() string {
	return filepath.Join(p.root, LinkName)
}

func (p *Pointer) hashPath() string {
	return filepath.Join(p.root, HashFilename)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpPath := tmp.Name()

	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("write temp file: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("sync temp file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
