package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/factory-update/internal/config"
	"github.com/oshokin/factory-update/internal/domain/update"
	"github.com/oshokin/factory-update/internal/logger"
)

var (
	// ErrInvalidState is returned when Start is called on a running or stopping supervisor.
	ErrInvalidState = errors.New("daemon supervisor is not in a startable state")
	// ErrPortUnavailable is returned when the daemon port is already bound.
	ErrPortUnavailable = errors.New("daemon port is unavailable")
	// ErrDaemonExited is returned when the daemon dies within the startup grace period.
	ErrDaemonExited = errors.New("daemon exited during startup")
)

// Options describes one supervised daemon.
type Options struct {
	// Binary is the rsync executable name or path.
	Binary string
	// Port is the TCP port written into the config.
	Port int
	// WorkDir receives rsyncd.conf, rsyncd.pid and rsyncd.log.
	WorkDir string
	// ContentDir is the directory served by the module.
	ContentDir string
	// ModuleName is the rsync module clients request.
	ModuleName string
	// StopTimeout is the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration
	// StartupGrace is how long the daemon must survive after spawning.
	StartupGrace time.Duration
}

func (o *Options) configPath() string { return filepath.Join(o.WorkDir, ConfigFilename) }
func (o *Options) pidPath() string    { return filepath.Join(o.WorkDir, PIDFilename) }
func (o *Options) logPath() string    { return filepath.Join(o.WorkDir, LogFilename) }

// Handle is a running daemon process.
type Handle struct {
	cmd  *exec.Cmd
	port int
	done chan struct{}
	err  error
}

// PID returns the daemon process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Port returns the configured daemon port.
func (h *Handle) Port() int {
	return h.port
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the wait result once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Supervisor starts and stops a single daemon instance.
type Supervisor struct {
	opts   Options
	mu     sync.Mutex
	state  update.DaemonState
	handle *Handle
}

// New creates a supervisor. Zero timeouts fall back to the configuration defaults.
func New(opts Options) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = config.DefaultDaemonStopTimeout
	}

	if opts.StartupGrace <= 0 {
		opts.StartupGrace = config.DefaultDaemonStartupGrace
	}

	if opts.ModuleName == "" {
		opts.ModuleName = config.DefaultPayloadRoot
	}

	// rsync runs with WorkDir as its cwd, so every path it is given must be absolute.
	if abs, err := filepath.Abs(opts.WorkDir); err == nil {
		opts.WorkDir = abs
	}

	return &Supervisor{
		opts:  opts,
		state: update.DaemonNotStarted,
	}
}

// State returns the lifecycle state.
func (s *Supervisor) State() update.DaemonState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Handle returns the current process handle, nil before the first Start.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.handle
}

// Port returns the configured daemon port.
func (s *Supervisor) Port() int {
	return s.opts.Port
}

// Running reports whether a started daemon is still alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == update.DaemonRunning && s.handle != nil && s.handle.Alive()
}

// Start spawns the daemon and waits out the startup grace period.
//
//nolint:cyclop // Linear startup sequence; each step has its own failure.
func (s *Supervisor) Start(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanStart() {
		return nil, fmt.Errorf("start from %s: %w", s.state, ErrInvalidState)
	}

	ctx = logger.WithName(ctx, "daemon-supervisor")

	if err := os.MkdirAll(s.opts.WorkDir, config.DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	if err := writeConfig(&s.opts); err != nil {
		return nil, err
	}

	if err := s.clearStalePID(ctx); err != nil {
		return nil, err
	}

	if err := probePort(s.opts.Port); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(s.opts.logPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, config.DefaultFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", LogFilename, err)
	}

	// The child inherits its own descriptor; ours is not needed after Start.
	defer func() {
		_ = logFile.Close()
	}()

	// Not CommandContext: the daemon outlives the ctx passed to Start.
	cmd := exec.Command(s.opts.Binary, "--daemon", "--no-detach", "--config="+s.opts.configPath()) //nolint:gosec,noctx // Binary comes from operator configuration.
	cmd.Dir = s.opts.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", s.opts.Binary, err)
	}

	handle := &Handle{
		cmd:  cmd,
		port: s.opts.Port,
		done: make(chan struct{}),
	}

	go func() {
		handle.err = cmd.Wait()
		close(handle.done)
	}()

	timer := time.NewTimer(s.opts.StartupGrace)
	defer timer.Stop()

	select {
	case <-handle.done:
		s.handle = handle
		s.state = update.DaemonStopped

		return nil, fmt.Errorf("%s (%v), see %s: %w", s.opts.Binary, handle.err, s.opts.logPath(), ErrDaemonExited)
	case <-ctx.Done():
		terminate(ctx, handle, s.opts.StopTimeout)

		s.handle = handle
		s.state = update.DaemonStopped

		return nil, ctx.Err()
	case <-timer.C:
	}

	s.handle = handle
	s.state = update.DaemonRunning

	logger.InfoKV(ctx, "Daemon started", "pid", handle.PID(), "port", s.opts.Port, "config", s.opts.configPath())

	return handle, nil
}

// Stop terminates the daemon and blocks until it has been reaped.
// Stopping a supervisor that never started or already stopped does nothing.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != update.DaemonRunning || s.handle == nil {
		return nil
	}

	ctx = logger.WithName(ctx, "daemon-supervisor")
	s.state = update.DaemonStopping

	logger.InfoKV(ctx, "Stopping daemon", "pid", s.handle.PID())

	terminate(ctx, s.handle, s.opts.StopTimeout)

	s.state = update.DaemonStopped

	logger.Debug(ctx, "Daemon stopped")

	return nil
}

// terminate sends SIGTERM, escalates to SIGKILL after timeout or on ctx
// cancellation, and always waits for the process to be reaped.
func terminate(ctx context.Context, h *Handle, timeout time.Duration) {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.WarnKV(ctx, "Send SIGTERM failed", "pid", h.PID(), "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return
	case <-timer.C:
		logger.WarnKV(ctx, "Daemon ignored SIGTERM, killing", "pid", h.PID(), "timeout", timeout.String())
	case <-ctx.Done():
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.WarnKV(ctx, "Send SIGKILL failed", "pid", h.PID(), "error", err)
	}

	<-h.done
}

// clearStalePID removes a pid file rsync would otherwise refuse to overwrite.
// A live process under that pid running the daemon binary is an orphan from
// an unclean shutdown still holding the port, so it is killed first.
func (s *Supervisor) clearStalePID(ctx context.Context) error {
	data, err := os.ReadFile(s.opts.pidPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read %s: %w", PIDFilename, err)
	}

	if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && pid > 0 && pid != os.Getpid() {
		s.killOrphan(ctx, pid)
	}

	if err = os.Remove(s.opts.pidPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", PIDFilename, err)
	}

	logger.InfoKV(ctx, "Removed stale pid file", "path", s.opts.pidPath())

	return nil
}

func (s *Supervisor) killOrphan(ctx context.Context, pid int) {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return
	}

	if process.Executable() != filepath.Base(s.opts.Binary) {
		return
	}

	running, err := os.FindProcess(pid)
	if err != nil {
		return
	}

	if err = running.Kill(); err != nil {
		logger.WarnKV(ctx, "Kill orphaned daemon failed", "pid", pid, "error", err)

		return
	}

	logger.WarnKV(ctx, "Killed orphaned daemon", "pid", pid)

	waitGone(pid, s.opts.StopTimeout)
}

// waitGone polls the process table until pid disappears or timeout passes.
func waitGone(pid int, timeout time.Duration) {
	const step = 10 * time.Millisecond

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		process, err := ps.FindProcess(pid)
		if err != nil || process == nil {
			return
		}

		time.Sleep(step)
	}
}

func probePort(port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d: %v: %w", port, err, ErrPortUnavailable) //nolint:errorlint // Only the sentinel is matched.
	}

	return listener.Close()
}
