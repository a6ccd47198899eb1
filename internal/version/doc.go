// Package version exposes build metadata of the update server.
//
// Version, Commit and BuildTime are injected with -ldflags -X at build time.
// Full renders them for the CLI, Get returns them for the status endpoint and
// the build_info metric.
package version
