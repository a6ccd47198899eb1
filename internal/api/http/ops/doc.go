// Package ops serves the operator HTTP endpoints of the update server:
// the advertised hash, a JSON status document, Prometheus metrics and a
// liveness probe. Factory clients never use it; they read latest.md5sum
// and fetch through rsync.
package ops
