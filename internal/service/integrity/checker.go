package integrity

import (
	"context"
	"os"

	"github.com/oshokin/factory-update/internal/archive"
	"github.com/oshokin/factory-update/internal/logger"
)

// Checker validates archives by reading them end to end.
type Checker struct{}

// NewChecker creates a Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Verify reports whether the archive at path lists cleanly.
// A producer still writing the file, a truncated upload or a foreign file all yield false;
// the reason is logged and never returned, since the next poll simply tries again.
func (c *Checker) Verify(ctx context.Context, path string) bool {
	listing, err := archive.List(ctx, path)
	if err != nil {
		var size int64
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}

		logger.WarnKV(ctx, "Archive failed integrity check", "path", path, "size", size, "error", err)

		return false
	}

	logger.DebugKV(ctx, "Archive verified",
		"path", path,
		"format", listing.Format.String(),
		"entries", listing.Entries,
		"bytes", listing.Bytes)

	return true
}
