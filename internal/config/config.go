package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob of the update server.
type Config struct {
	// StateDir is the watched directory; the store, daemon files and the source archive live here.
	StateDir string `yaml:"state_dir"`
	// TarballName is the fixed name of the source archive inside StateDir.
	TarballName string `yaml:"tarball_name"`
	// PayloadRoot is both the store directory name and the top-level directory every archive must contain.
	PayloadRoot string `yaml:"payload_root"`
	// PollInterval is the pause between two watcher cycles.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DaemonBinary is the rsync executable name or path.
	DaemonBinary string `yaml:"daemon_binary"`
	// DaemonPort is the TCP port the daemon is configured to bind.
	DaemonPort int `yaml:"daemon_port"`
	// DaemonStopTimeout is how long a terminated daemon gets before it is killed.
	DaemonStopTimeout time.Duration `yaml:"daemon_stop_timeout"`
	// DaemonStartupGrace is how long the daemon must survive after spawning to count as started.
	DaemonStartupGrace time.Duration `yaml:"daemon_startup_grace"`
	// OpsAddress enables the ops HTTP listener (status, metrics) when non-empty.
	OpsAddress string `yaml:"ops_address"`
	// Notifier names the backend informed about new versions: none, log, nats
	// or any backend registered with the notify package. Resolved at startup.
	Notifier string `yaml:"notifier"`
	// NATSURL is the server URL used by the nats notifier.
	NATSURL string `yaml:"nats_url"`
	// NATSSubject is the subject new-version events are published to.
	NATSSubject string `yaml:"nats_subject"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "factory-update-settings.yaml"

	// DefaultTarballName is the archive name producers drop into the state directory.
	DefaultTarballName = "autotest.tar.bz2"

	// DefaultPayloadRoot is the payload directory name expected inside every archive.
	DefaultPayloadRoot = "autotest"

	// DefaultDaemonBinary is the file-transfer daemon executable.
	DefaultDaemonBinary = "rsync"

	// DefaultDaemonPort is the well-known rsync port used by factory clients.
	DefaultDaemonPort = 8083

	// DefaultPollInterval is the pause between two watcher cycles.
	DefaultPollInterval = time.Second

	// DefaultDaemonStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultDaemonStopTimeout = time.Second

	// DefaultDaemonStartupGrace is how long a freshly spawned daemon must stay alive.
	DefaultDaemonStartupGrace = 200 * time.Millisecond

	// DefaultNATSSubject is where new-version events go.
	DefaultNATSSubject = "factory.update.published"

	// DefaultFilePermissions is the permission for files written by the server.
	DefaultFilePermissions = 0o644

	// DefaultDirPermissions is the permission for directories created by the server.
	DefaultDirPermissions = 0o755

	maxPort = 65535
)

// Built-in notifier backends.
const (
	NotifierNone = "none"
	NotifierLog  = "log"
	NotifierNATS = "nats"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errInvalidPort is returned for daemon ports outside 1..65535.
	errInvalidPort = errors.New("daemon port must be between 1 and 65535")
	// errInvalidName is returned when a file name setting contains a path.
	errInvalidName = errors.New("name must be a plain file name")
	// errNegativeDuration is returned for negative durations.
	errNegativeDuration = errors.New("duration must not be negative")
)

// Default returns a validated configuration rooted at the current directory.
func Default() *Config {
	cfg := new(Config)
	_ = Validate(cfg) //nolint:errcheck // Zero config always validates.

	return cfg
}

// Load reads configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

// Save writes cfg to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults for unset fields and checks the rest.
//
//nolint:cyclop // A flat list of field checks reads better than split helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}

	if cfg.TarballName == "" {
		cfg.TarballName = DefaultTarballName
	}

	if cfg.PayloadRoot == "" {
		cfg.PayloadRoot = DefaultPayloadRoot
	}

	for _, name := range []string{cfg.TarballName, cfg.PayloadRoot} {
		if err := validateName(name); err != nil {
			return err
		}
	}

	if cfg.DaemonBinary == "" {
		cfg.DaemonBinary = DefaultDaemonBinary
	}

	if cfg.DaemonPort == 0 {
		cfg.DaemonPort = DefaultDaemonPort
	}

	if cfg.DaemonPort < 0 || cfg.DaemonPort > maxPort {
		return fmt.Errorf("%d: %w", cfg.DaemonPort, errInvalidPort)
	}

	durations := []struct {
		value    *time.Duration
		fallback time.Duration
		name     string
	}{
		{&cfg.PollInterval, DefaultPollInterval, "poll_interval"},
		{&cfg.DaemonStopTimeout, DefaultDaemonStopTimeout, "daemon_stop_timeout"},
		{&cfg.DaemonStartupGrace, DefaultDaemonStartupGrace, "daemon_startup_grace"},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("%s: %w", d.name, errNegativeDuration)
		}

		if *d.value == 0 {
			*d.value = d.fallback
		}
	}

	if cfg.Notifier == "" {
		cfg.Notifier = NotifierNone
	}

	if cfg.NATSSubject == "" {
		cfg.NATSSubject = DefaultNATSSubject
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return nil
}

// TarballPath returns the absolute-or-relative path of the watched archive.
func (c *Config) TarballPath() string {
	return filepath.Join(c.StateDir, c.TarballName)
}

// StoreRoot returns the directory holding published versions.
func (c *Config) StoreRoot() string {
	return filepath.Join(c.StateDir, c.PayloadRoot)
}

func validateName(name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, errInvalidName)
	}

	return nil
}
