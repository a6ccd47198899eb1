// Package server wires configuration, the update watcher, the notifier and
// the ops HTTP endpoints into the operations exposed by the CLI.
package server
