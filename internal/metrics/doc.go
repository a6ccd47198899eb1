// Package metrics owns the Prometheus registry of the update server.
package metrics
