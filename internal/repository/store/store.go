package store

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the version identifier clients already use, not a security boundary.
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oshokin/factory-update/internal/archive"
	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/logger"
)

const (
	// MarkerFilename is written inside <hash>/<payload_root> once extraction is complete.
	MarkerFilename = "MD5SUM"

	// stagingSuffix marks directories and files that are still being written.
	stagingSuffix = ".new"
)

var (
	// ErrSourceChanged is returned when the archive no longer hashes to the expected value while copying.
	ErrSourceChanged = errors.New("source archive changed during publish")
	// ErrAbandonedVersion is returned when a version directory exists without a valid marker.
	ErrAbandonedVersion = errors.New("version directory exists without a valid marker")
	// ErrMissingPayloadRoot is returned when the archive does not contain the payload root directory.
	ErrMissingPayloadRoot = errors.New("archive has no payload root directory")
	// errInvalidHash is returned for hashes that are not lowercase hex MD5 digests.
	errInvalidHash = errors.New("invalid version hash")
)

// Store is the content-addressed version store.
type Store struct {
	// stateDir holds the source archive and its staged copies.
	stateDir string
	// tarballName is the source archive file name.
	tarballName string
	// payloadRoot is both the store directory name and the directory every archive must contain.
	payloadRoot string
	// root is <stateDir>/<payloadRoot>.
	root string
	// mu serializes publishes from this process.
	mu sync.Mutex
}

// New creates a store for the given layout. The root directory is not created.
func New(stateDir, tarballName, payloadRoot string) *Store {
	stateDir = filepath.Clean(stateDir)

	return &Store{
		stateDir:    stateDir,
		tarballName: tarballName,
		payloadRoot: payloadRoot,
		root:        filepath.Join(stateDir, payloadRoot),
	}
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// VersionDir returns the directory of a published version.
func (s *Store) VersionDir(hash string) string {
	return filepath.Join(s.root, hash)
}

// EnsureRoot creates the store root if missing.
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.root, config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create store root: %w", err)
	}

	return nil
}

// ComputeHash returns the lowercase hex MD5 of the file at path.
func ComputeHash(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = f.Close()
	}()

	h := md5.New() //nolint:gosec // See import comment.
	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsPublished reports whether <hash>/<payload_root>/MD5SUM exists and holds hash.
func (s *Store) IsPublished(hash string) bool {
	return readMarker(s.markerPath(s.VersionDir(hash))) == hash
}

// Publish makes the archive at archivePath available as version hash and returns its directory.
// Publishing an already published hash returns immediately.
func (s *Store) Publish(ctx context.Context, archivePath, hash string) (string, error) {
	if !validHash(hash) {
		return "", fmt.Errorf("%q: %w", hash, errInvalidHash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = logger.WithKV(ctx, "hash", hash)

	staged, err := s.stageArchive(archivePath, hash)
	if err != nil {
		return "", err
	}

	finalDir := s.VersionDir(hash)

	if _, err = os.Lstat(finalDir); err == nil {
		if s.IsPublished(hash) {
			logger.InfoKV(ctx, "Version already published", "directory", finalDir)

			return finalDir, nil
		}

		return "", fmt.Errorf("%s: %w", finalDir, ErrAbandonedVersion)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("inspect version directory: %w", err)
	}

	stagingDir := finalDir + stagingSuffix
	if err = os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("remove stale staging directory: %w", err)
	}

	if err = s.extract(ctx, staged, stagingDir, hash); err != nil {
		_ = os.RemoveAll(stagingDir)

		return "", err
	}

	if err = os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)

		return "", fmt.Errorf("promote version: %w", err)
	}

	if err = fsyncDir(s.root); err != nil {
		// The rename already happened; a failed directory sync only weakens crash durability.
		logger.WarnKV(ctx, "Sync store root failed", "error", err)
	}

	logger.InfoKV(ctx, "Version published", "directory", finalDir)

	return finalDir, nil
}

// Versions lists the hashes of all durably published versions, sorted.
func (s *Store) Versions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read store root: %w", err)
	}

	versions := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() || !validHash(entry.Name()) {
			continue
		}

		if s.IsPublished(entry.Name()) {
			versions = append(versions, entry.Name())
		}
	}

	sort.Strings(versions)

	return versions, nil
}

// stageArchive copies the source to <tarball>.<hash> through a .new file,
// hashing the bytes actually copied so a producer rewriting the file mid-cycle is caught.
func (s *Store) stageArchive(archivePath, hash string) (string, error) {
	tmpPath := filepath.Join(s.stateDir, s.tarballName+stagingSuffix)
	finalPath := filepath.Join(s.stateDir, s.tarballName+"."+hash)

	copied, err := copyWithHash(archivePath, tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("copy archive: %w", err)
	}

	if copied != hash {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("expected %s, copied %s: %w", hash, copied, ErrSourceChanged)
	}

	if err = os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)

		return "", fmt.Errorf("rename staged archive: %w", err)
	}

	return finalPath, nil
}

func (s *Store) extract(ctx context.Context, archivePath, stagingDir, hash string) error {
	if err := os.MkdirAll(stagingDir, config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	if err := archive.Extract(ctx, archivePath, stagingDir); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	info, err := os.Lstat(filepath.Join(stagingDir, s.payloadRoot))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", s.payloadRoot, ErrMissingPayloadRoot)
	}

	if err = writeMarker(s.markerPath(stagingDir), hash); err != nil {
		return err
	}

	return fsyncDir(stagingDir)
}

func (s *Store) markerPath(versionDir string) string {
	return filepath.Join(versionDir, s.payloadRoot, MarkerFilename)
}

func copyWithHash(src, dst string) (string, error) {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return "", err
	}

	h := md5.New() //nolint:gosec // See import comment.

	if _, err = io.Copy(io.MultiWriter(out, h), in); err != nil {
		_ = out.Close()

		return "", err
	}

	if err = out.Sync(); err != nil {
		_ = out.Close()

		return "", err
	}

	if err = out.Close(); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeMarker(path, hash string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}

	if _, err = f.WriteString(hash); err != nil {
		_ = f.Close()

		return fmt.Errorf("write marker: %w", err)
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()

		return fmt.Errorf("sync marker: %w", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}

	return nil
}

func readMarker(path string) string {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func fsyncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}

	defer func() {
		_ = d.Close()
	}()

	return d.Sync()
}

func validHash(hash string) bool {
	if len(hash) != hex.EncodedLen(md5.Size) {
		return false
	}

	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}

	return true
}
