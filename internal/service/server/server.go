package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/factory-update/internal/api/http/ops"
	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/logger"
	"github.com/oshokin/factory-update/internal/metrics"
	"github.com/oshokin/factory-update/internal/notify"
	"github.com/oshokin/factory-update/internal/repository/pointer"
	"github.com/oshokin/factory-update/internal/service/watcher"
	"github.com/oshokin/factory-update/internal/version"
)

// Options carries the CLI flags; non-zero values override the settings file.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// StateDir overrides the watched state directory.
	StateDir string
	// DaemonPort overrides the rsync daemon port.
	DaemonPort int
	// PollInterval overrides the pause between watcher cycles.
	PollInterval time.Duration
	// OpsAddress overrides the ops HTTP listen address.
	OpsAddress string
	// Notifier overrides the notifier backend name.
	Notifier string
}

// ErrNothingPublished is returned by ReadLatest before the first publish.
var ErrNothingPublished = errors.New("no version published yet")

// LoadSettings reads the settings file (a missing file means defaults) and applies overrides.
func LoadSettings(opts *Options) (*config.Config, error) {
	if opts == nil {
		opts = new(Options)
	}

	cfg, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}

	if opts.DaemonPort != 0 {
		cfg.DaemonPort = opts.DaemonPort
	}

	if opts.PollInterval != 0 {
		cfg.PollInterval = opts.PollInterval
	}

	if opts.OpsAddress != "" {
		cfg.OpsAddress = opts.OpsAddress
	}

	if opts.Notifier != "" {
		cfg.Notifier = opts.Notifier
	}

	if err = config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}

	return cfg, nil
}

// Run starts the daemon and the watcher, serves the ops endpoints when
// configured and blocks until ctx is canceled. It returns only after the
// loop, the daemon and the ops listener have all stopped.
//
//nolint:funlen // Startup and teardown are kept side by side.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, version.AppName)

	cfg, err := LoadSettings(opts)
	if err != nil {
		return err
	}

	m := metrics.New()
	m.SetBuildInfo(version.Get())

	notifier, err := notify.New(cfg)
	if err != nil {
		return err
	}

	defer func() {
		_ = notifier.Close()
	}()

	w, err := watcher.New(cfg, watcher.WithMetrics(m), watcher.WithNotifier(notifier))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err = w.Start(ctx); err != nil {
		return err
	}

	opsCtx, cancelOps := context.WithCancel(ctx)
	defer cancelOps()

	// Stays nil without an ops address, so the select below waits on ctx alone.
	var opsDone chan error

	if cfg.OpsAddress != "" {
		opsDone = make(chan error, 1)

		go func() {
			opsDone <- ops.Serve(opsCtx, cfg.OpsAddress, ops.NewHandler(w, m.Handler()))
		}()
	}

	var (
		runErr      error
		opsFinished bool
	)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Shutting down")
	case runErr = <-opsDone:
		// The listener only returns before cancellation on failure.
		opsFinished = true

		logger.ErrorKV(ctx, "Ops HTTP failed, shutting down", "error", runErr)
	}

	if err = w.Stop(context.WithoutCancel(ctx)); err != nil {
		runErr = errors.Join(runErr, err)
	}

	cancelOps()

	if opsDone != nil && !opsFinished {
		if opsErr := <-opsDone; opsErr != nil {
			runErr = errors.Join(runErr, opsErr)
		}
	}

	return runErr
}

// PublishOnce runs a single watcher cycle without starting the daemon and
// returns the hash advertised afterwards, empty if none. The configured
// notifier hears about a new version just as it would under Run.
func PublishOnce(ctx context.Context, opts *Options) (string, error) {
	ctx = logger.WithName(ctx, version.AppName)

	cfg, err := LoadSettings(opts)
	if err != nil {
		return "", err
	}

	notifier, err := notify.New(cfg)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = notifier.Close()
	}()

	w, err := watcher.New(cfg, watcher.WithNotifier(notifier))
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}

	if err = w.RunOnce(ctx); err != nil {
		return "", err
	}

	hash, _ := w.GetLatestHash()

	return hash, nil
}

// ReadLatest returns the hash advertised in latest.md5sum.
func ReadLatest(opts *Options) (string, error) {
	cfg, err := LoadSettings(opts)
	if err != nil {
		return "", err
	}

	hash, err := pointer.New(cfg.StoreRoot()).Read()
	if errors.Is(err, pointer.ErrNotFound) {
		return "", ErrNothingPublished
	}

	return hash, err
}
