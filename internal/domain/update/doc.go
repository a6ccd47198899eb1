// Package update contains core domain types of the publication pipeline.
//
// It defines SourceStat (the cheap change-detection identity of the watched
// archive), Counters (per-watcher diagnostic counters) and DaemonState (the
// lifecycle of the supervised file-transfer daemon).
package update
