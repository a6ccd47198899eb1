package pointer_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/factory-update/internal/repository/pointer"
)

const (
	h1 = "11111111111111111111111111111111"
	h2 = "22222222222222222222222222222222"
)

// TestRead_NotFound verifies a missing or empty hash file reads as not found.
func TestRead_NotFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)

	_, err := p.Read()
	require.ErrorIs(t, err, pointer.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(root, pointer.HashFilename), []byte(" \n"), 0o644))

	_, err = p.Read()
	require.ErrorIs(t, err, pointer.ErrNotFound)
}

// TestRead_FallsBackToLink verifies the symlink answers while the hash file is missing.
func TestRead_FallsBackToLink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)

	require.NoError(t, p.Advance(h1))
	require.NoError(t, os.Remove(filepath.Join(root, pointer.HashFilename)))

	got, err := p.Read()
	require.NoError(t, err)
	require.Equal(t, h1, got)
	require.False(t, p.Current(h1))
}

// TestRead_ConcurrentWithAdvance verifies a reader never loses the published
// version while the pointer keeps moving between two hashes.
func TestRead_ConcurrentWithAdvance(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)
	require.NoError(t, p.Advance(h1))

	var (
		wg       sync.WaitGroup
		failures []string
		stop     = make(chan struct{})
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		reader := pointer.New(root)

		for {
			select {
			case <-stop:
				return
			default:
			}

			got, err := reader.Read()
			if err != nil || (got != h1 && got != h2) {
				failures = append(failures, fmt.Sprintf("hash %q, error %v", got, err))
			}
		}
	}()

	for i := range 500 {
		hash := h1
		if i%2 == 0 {
			hash = h2
		}

		require.NoError(t, p.Advance(hash))
	}

	close(stop)
	wg.Wait()

	require.Empty(t, failures)
}

// TestAdvance verifies the first write and a later swap update both artifacts.
func TestAdvance(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)

	require.NoError(t, p.Advance(h1))
	assertPointsAt(t, root, p, h1)

	require.NoError(t, p.Advance(h2))
	assertPointsAt(t, root, p, h2)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	require.Subset(t, names, []string{pointer.LinkName, pointer.HashFilename})
	require.NotContains(t, names, pointer.LinkName+".tmp")
	require.NotContains(t, names, pointer.HashFilename+".old")
}

// TestAdvance_NoOpWhenCurrent verifies nothing is rewritten when the pointer is current.
func TestAdvance_NoOpWhenCurrent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)

	require.NoError(t, p.Advance(h1))

	hashPath := filepath.Join(root, pointer.HashFilename)
	before, err := os.Stat(hashPath)
	require.NoError(t, err)

	require.NoError(t, p.Advance(h1))

	after, err := os.Stat(hashPath)
	require.NoError(t, err)
	require.True(t, os.SameFile(before, after))
}

// TestAdvance_RepairsDeletedHashFile verifies a deleted latest.md5sum is recreated.
func TestAdvance_RepairsDeletedHashFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := pointer.New(root)

	require.NoError(t, p.Advance(h1))
	require.NoError(t, os.Remove(filepath.Join(root, pointer.HashFilename)))
	require.False(t, p.Current(h1))

	require.NoError(t, p.Advance(h1))
	assertPointsAt(t, root, p, h1)
}

// TestAdvance_ReplacesStaleTempLink verifies a leftover latest.tmp does not block the swap.
func TestAdvance_ReplacesStaleTempLink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.Symlink("stale", filepath.Join(root, pointer.LinkName+".tmp")))

	p := pointer.New(root)
	require.NoError(t, p.Advance(h1))
	assertPointsAt(t, root, p, h1)
}

func assertPointsAt(t *testing.T, root string, p *pointer.Pointer, hash string) {
	t.Helper()

	target, err := os.Readlink(filepath.Join(root, pointer.LinkName))
	require.NoError(t, err)
	require.Equal(t, hash, target)

	data, err := os.ReadFile(filepath.Join(root, pointer.HashFilename))
	require.NoError(t, err)
	require.Equal(t, hash, string(data))

	got, err := p.Read()
	require.NoError(t, err)
	require.Equal(t, hash, got)
	require.True(t, p.Current(hash))
}
