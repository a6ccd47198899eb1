// Package watcher runs the publication loop: it polls the source archive,
// verifies and publishes changed archives, advances the latest pointer and
// brackets its own lifetime with the rsync daemon.
package watcher
