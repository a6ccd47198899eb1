package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/domain/update"
	"github.com/oshokin/factory-update/internal/logger"
	"github.com/oshokin/factory-update/internal/metrics"
	"github.com/oshokin/factory-update/internal/notify"
	"github.com/oshokin/factory-update/internal/repository/pointer"
	"github.com/oshokin/factory-update/internal/repository/store"
	"github.com/oshokin/factory-update/internal/service/daemon"
	"github.com/oshokin/factory-update/internal/service/integrity"
)

const loggerName = "update-watcher"

var (
	// ErrAlreadyStarted is returned by Start on a running watcher.
	ErrAlreadyStarted = errors.New("watcher already started")
	// errCyclePanic wraps a panic recovered inside one cycle.
	errCyclePanic = errors.New("watcher cycle panicked")
)

// Watcher publishes every new valid source archive and advertises it as latest.
type Watcher struct {
	cfg        *config.Config
	sourcePath string

	checker    *integrity.Checker
	store      *store.Store
	pointer    *pointer.Pointer
	supervisor Supervisor
	metrics    Metrics
	notifier   notify.Notifier

	// cycleMu serializes RunOnce between the loop and direct callers.
	cycleMu  sync.Mutex
	// lastStat is zero until a source archive has been observed.
	lastStat update.SourceStat
	daemonUp bool

	runs    atomic.Int64
	updates atomic.Int64
	errs    atomic.Int64

	// mu guards the loop lifecycle.
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a watcher for cfg and creates the store root.
func New(cfg *config.Config, opts ...Option) (*Watcher, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	// Work on a copy so defaults filled in here never leak into the caller's config.
	settings := *cfg
	if err := config.Validate(&settings); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}

	st := store.New(settings.StateDir, settings.TarballName, settings.PayloadRoot)
	if err := st.EnsureRoot(); err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:        &settings,
		sourcePath: settings.TarballPath(),
		checker:    integrity.NewChecker(),
		store:      st,
		pointer:    pointer.New(st.Root()),
		metrics:    nopMetrics{},
		notifier:   notify.Nop{},
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.supervisor == nil {
		w.supervisor = daemon.New(daemon.Options{
			Binary:       settings.DaemonBinary,
			Port:         settings.DaemonPort,
			WorkDir:      settings.StateDir,
			ContentDir:   st.Root(),
			ModuleName:   settings.PayloadRoot,
			StopTimeout:  settings.DaemonStopTimeout,
			StartupGrace: settings.DaemonStartupGrace,
		})
	}

	return w, nil
}

// Start launches the daemon and then the poll loop.
// Daemon startup failures are returned and leave the watcher stopped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}

	ctx = logger.WithName(ctx, loggerName)

	if _, err := w.supervisor.Start(ctx); err != nil {
		w.metrics.SetDaemonUp(false)

		return fmt.Errorf("start daemon: %w", err)
	}

	w.metrics.SetDaemonUp(true)
	w.daemonUp = true

	// The loop lives until Stop, not until the caller's ctx ends; only its values are kept.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)

		w.Run(loopCtx)
	}(w.done)

	logger.InfoKV(ctx, "Update watcher started",
		"source", w.sourcePath,
		"store", w.store.Root(),
		"daemon_port", w.supervisor.Port(),
		"poll_interval", w.cfg.PollInterval.String())

	return nil
}

// Stop ends the loop, waits for the in-flight cycle and stops the daemon.
// Calling it on a watcher that is not running does nothing.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}

	ctx = logger.WithName(ctx, loggerName)

	w.cancel()
	<-w.done

	w.started = false
	w.cancel = nil

	err := w.supervisor.Stop(ctx)

	w.metrics.SetDaemonUp(false)
	w.daemonUp = false

	logger.InfoKV(ctx, "Update watcher stopped", "counters", w.Counters())

	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}

	return nil
}

// Run calls RunOnce every poll interval until ctx is done.
// Cycle errors are logged and counted by RunOnce and never end the loop.
func (w *Watcher) Run(ctx context.Context) {
	ctx = logger.WithName(ctx, loggerName)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		_ = w.RunOnce(ctx)

		w.observeDaemon(ctx)

		select {
		case <-ctx.Done():
			logger.DebugKV(ctx, "Poll loop exiting", "reason", ctx.Err())

			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one poll cycle. Absent, unchanged and invalid archives
// are normal outcomes and return nil; other failures are counted and returned.
// Cancelling ctx does not interrupt a cycle that has begun.
//
//nolint:cyclop,funlen // Mirrors the cycle state machine step by step.
func (w *Watcher) RunOnce(ctx context.Context) (err error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	// A started cycle always runs to completion; Stop only cancels the wait between cycles.
	ctx = logger.WithName(context.WithoutCancel(ctx), loggerName)

	w.runs.Add(1)
	w.metrics.IncRuns()

	defer func() {
		if r := recover(); r != nil {
			err = w.fail(ctx, metrics.StagePanic, fmt.Errorf("%w: %v", errCyclePanic, r))
		}
	}()

	info, err := os.Stat(w.sourcePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return w.fail(ctx, metrics.StageStat, fmt.Errorf("stat source archive: %w", err))
	}

	stat := update.StatOf(info)
	if !w.lastStat.IsZero() && stat.Equal(w.lastStat) {
		return nil
	}

	w.lastStat = stat

	logger.InfoKV(ctx, "Source archive changed, verifying", "path", w.sourcePath, "size", stat.Size)

	if !w.checker.Verify(ctx, w.sourcePath) {
		// Most likely still being written; a completed file changes mtime or size and is retried.
		w.metrics.IncInvalidArchive()

		return nil
	}

	// The producer may have finished writing while it was being verified.
	if info, err = os.Stat(w.sourcePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return w.fail(ctx, metrics.StageStat, fmt.Errorf("stat source archive: %w", err))
	}

	w.lastStat = update.StatOf(info)

	hash, err := store.ComputeHash(w.sourcePath)
	if err != nil {
		return w.fail(ctx, metrics.StageHash, fmt.Errorf("hash source archive: %w", err))
	}

	ctx = logger.WithKV(ctx, "hash", hash)

	if w.store.IsPublished(hash) {
		logger.Debug(ctx, "Version already published, confirming pointer")

		return w.advance(ctx, hash, w.store.VersionDir(hash))
	}

	started := time.Now()
	dir, err := w.store.Publish(ctx, w.sourcePath, hash)

	w.metrics.ObservePublishDuration(time.Since(started).Seconds())

	switch {
	case errors.Is(err, store.ErrAbandonedVersion):
		logger.WarnKV(ctx, "Version directory has no valid marker, remove it to republish", "error", err)

		return nil
	case errors.Is(err, store.ErrSourceChanged):
		logger.WarnKV(ctx, "Source archive changed while publishing, retrying next poll", "error", err)

		w.lastStat = update.SourceStat{}

		return nil
	case err != nil:
		return w.fail(ctx, metrics.StagePublish, fmt.Errorf("publish version: %w", err))
	}

	w.updates.Add(1)
	w.metrics.IncUpdates()

	return w.advance(ctx, hash, dir)
}

// advance moves the pointer to hash and announces the change.
func (w *Watcher) advance(ctx context.Context, hash, dir string) error {
	if w.pointer.Current(hash) {
		w.metrics.SetLatest(hash)

		return nil
	}

	previous, _ := w.pointer.Read()

	if err := w.pointer.Advance(hash); err != nil {
		return w.fail(ctx, metrics.StagePointer, fmt.Errorf("advance latest pointer: %w", err))
	}

	w.metrics.SetLatest(hash)

	logger.InfoKV(ctx, "Latest pointer advanced", "previous", previous, "directory", dir)

	if previous == hash {
		return nil
	}

	if err := w.notifier.Notify(ctx, notify.NewEvent(hash, dir)); err != nil {
		logger.WarnKV(ctx, "Notify about new version failed", "error", err)
	}

	return nil
}

func (w *Watcher) fail(ctx context.Context, stage string, err error) error {
	w.errs.Add(1)
	w.metrics.IncError(stage)

	logger.ErrorKV(ctx, "Update cycle failed", "stage", stage, "error", err)

	return err
}

// observeDaemon tracks daemon liveness between cycles.
func (w *Watcher) observeDaemon(ctx context.Context) {
	up := w.supervisor.Running()
	if up == w.daemonUp {
		return
	}

	w.daemonUp = up
	w.metrics.SetDaemonUp(up)

	if !up {
		logger.ErrorKV(ctx, "Daemon is not running, clients cannot fetch updates", "port", w.supervisor.Port())
	}
}

// GetLatestHash returns the advertised version, false if none was published yet.
func (w *Watcher) GetLatestHash() (string, bool) {
	hash, err := w.pointer.Read()
	if err != nil {
		return "", false
	}

	return hash, true
}

// GetDaemonPort returns the port clients fetch from.
func (w *Watcher) GetDaemonPort() int {
	return w.supervisor.Port()
}

// DaemonRunning reports whether the daemon is alive.
func (w *Watcher) DaemonRunning() bool {
	return w.supervisor.Running()
}

// Counters returns a snapshot of the diagnostic counters.
func (w *Watcher) Counters() update.Counters {
	return update.Counters{
		Runs:    w.runs.Load(),
		Updates: w.updates.Load(),
		Errors:  w.errs.Load(),
	}
}

// Versions lists the durably published version hashes.
func (w *Watcher) Versions() ([]string, error) {
	return w.store.Versions()
}

// StoreRoot returns the content store directory.
func (w *Watcher) StoreRoot() string {
	return w.store.Root()
}
