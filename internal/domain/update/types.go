package update

import (
	"os"
	"time"
)

// SourceStat is the (mtime, size) pair used to decide whether the watched
// archive changed since the previous poll. Content is not compared here;
// the integrity check and the content hash cover that.
type SourceStat struct {
	// ModTime is the last observed modification time.
	ModTime time.Time
	// Size is the last observed size in bytes.
	Size int64
}

// StatOf extracts the change-detection identity from file info.
func StatOf(info os.FileInfo) SourceStat {
	return SourceStat{
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}
}

// Equal reports whether both stats describe the same observation.
func (s SourceStat) Equal(other SourceStat) bool {
	return s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

// IsZero reports whether nothing has been observed yet.
func (s SourceStat) IsZero() bool {
	return s.ModTime.IsZero() && s.Size == 0
}

// Counters are monotonically increasing diagnostics of one watcher instance.
type Counters struct {
	// Runs counts RunOnce invocations.
	Runs int64 `json:"run_count"`
	// Updates counts versions extracted and promoted by this instance.
	Updates int64 `json:"update_count"`
	// Errors counts failed cycles.
	Errors int64 `json:"error_count"`
}

// DaemonState is the lifecycle of the supervised daemon.
type DaemonState int

// Daemon lifecycle states.
const (
	DaemonNotStarted DaemonState = iota
	DaemonRunning
	DaemonStopping
	DaemonStopped
)

// String returns a lowercase state name for logs.
func (s DaemonState) String() string {
	switch s {
	case DaemonNotStarted:
		return "not-started"
	case DaemonRunning:
		return "running"
	case DaemonStopping:
		return "stopping"
	case DaemonStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CanStart reports whether Start is allowed from this state.
func (s DaemonState) CanStart() bool {
	return s == DaemonNotStarted || s == DaemonStopped
}
