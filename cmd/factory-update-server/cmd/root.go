package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/logger"
	"github.com/oshokin/factory-update/internal/notify"
	"github.com/oshokin/factory-update/internal/service/server"
	"github.com/oshokin/factory-update/internal/version"
)

const logLevelFlag = "log-level"

var errUnknownLogLevel = errors.New("unknown log level")

var (
	// options collects flag values shared by every subcommand.
	options = new(server.Options)
	// logLevel is the minimum level written to the log.
	logLevel string

	// rootCmd runs the update server until interrupted.
	rootCmd = &cobra.Command{
		Use:   version.AppName,
		Short: "Publish factory test payloads and serve them over rsync.",
		Long: `Watches the state directory for a new payload archive (autotest.tar.bz2 by default),
verifies it, extracts it into a content-addressed directory and advertises the newest
version in <payload_root>/latest.md5sum. An rsync daemon serving <payload_root> is started
alongside and stopped on SIGINT or SIGTERM.

Settings are read from the configuration file when it exists; flags override them.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: applyLogLevel,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return server.Run(ctx, options)
		},
	}

	// publishCmd runs one cycle, for producers that want to publish synchronously.
	publishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Run a single publish cycle without starting the daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := server.PublishOnce(quietContext(cmd), options)
			if err != nil {
				return err
			}

			if hash == "" {
				return server.ErrNothingPublished
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}

	// latestCmd prints the advertised hash.
	latestCmd = &cobra.Command{
		Use:   "latest",
		Short: "Print the hash advertised in latest.md5sum.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hash, err := server.ReadLatest(options)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
)

// Execute runs the factory-update-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyLogLevel sets the shared level from --log-level, or from log_level in
// the settings file when the flag is not given.
func applyLogLevel(cmd *cobra.Command, _ []string) error {
	name := logLevel

	if !cmd.Flags().Changed(logLevelFlag) {
		// A broken settings file is reported by the command itself.
		if cfg, err := config.LoadOrDefault(options.ConfigPath); err == nil {
			name = cfg.LogLevel
		}
	}

	level, ok := logger.ParseLogLevel(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, errUnknownLogLevel)
	}

	logger.SetLevel(level)

	return nil
}

// quietContext keeps info logs off stdout for commands that print a result,
// unless a level was requested explicitly.
func quietContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if cmd.Flags().Changed(logLevelFlag) {
		return ctx
	}

	return logger.WithMinLevel(ctx, zapcore.WarnLevel)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&options.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&options.StateDir, "state-dir", "d", "", "directory holding the source archive and the store")
	flags.StringVar(&logLevel, logLevelFlag, "info", "log level: debug, info, warn, error")

	rootCmd.Flags().IntVarP(&options.DaemonPort, "port", "p", 0, "rsync daemon port")
	rootCmd.Flags().DurationVar(&options.PollInterval, "poll-interval", 0, "pause between archive checks")
	rootCmd.Flags().StringVar(&options.OpsAddress, "ops-address", "", "listen address of the ops HTTP endpoints")
	rootCmd.Flags().StringVar(&options.Notifier, "notifier", "", "new-version notifier: "+strings.Join(notify.Backends(), ", "))

	rootCmd.AddCommand(publishCmd, latestCmd)
}
