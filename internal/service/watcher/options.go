package watcher

import (
	"context"

	"github.com/oshokin/factory-update/internal/notify"
	"github.com/oshokin/factory-update/internal/service/daemon"
)

// Metrics is implemented by the metrics package to observe the loop.
type Metrics interface {
	IncRuns()
	IncUpdates()
	IncError(stage string)
	IncInvalidArchive()
	ObservePublishDuration(seconds float64)
	SetDaemonUp(up bool)
	SetLatest(hash string)
}

// Supervisor starts and stops the daemon serving the store.
type Supervisor interface {
	Start(ctx context.Context) (*daemon.Handle, error)
	Stop(ctx context.Context) error
	Port() int
	Running() bool
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithMetrics reports loop activity to m.
func WithMetrics(m Metrics) Option {
	return func(w *Watcher) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithNotifier sends an event to n whenever the pointer moves to a new hash.
func WithNotifier(n notify.Notifier) Option {
	return func(w *Watcher) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithSupervisor replaces the rsync supervisor built from the configuration.
func WithSupervisor(s Supervisor) Option {
	return func(w *Watcher) {
		if s != nil {
			w.supervisor = s
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) IncRuns()                       {}
func (nopMetrics) IncUpdates()                    {}
func (nopMetrics) IncError(string)                {}
func (nopMetrics) IncInvalidArchive()             {}
func (nopMetrics) ObservePublishDuration(float64) {}
func (nopMetrics) SetDaemonUp(bool)               {}
func (nopMetrics) SetLatest(string)               {}
