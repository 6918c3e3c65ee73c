// Package supervisor runs the interception engine as a child process for
// one sandbox session: it picks a port, waits for readiness, forwards reload
// requests and tears the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/raaihank/egress-sentinel/internal/certs"
	"github.com/raaihank/egress-sentinel/internal/logger"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	// ErrStartupTimeout is returned when the engine never accepts connections
	ErrStartupTimeout = errors.New("proxy did not become ready in time")
	// ErrAlreadyRunning is returned by Start on a running supervisor
	ErrAlreadyRunning = errors.New("proxy already running")
	// ErrNotRunning is returned by Stats when there is no live process
	ErrNotRunning = errors.New("proxy not running")
)

// Session file names
const (
	ProcessLogFile = "proxy.log"
	AuditLogFile   = "network.jsonl"
	WhitelistFile  = "trusted_domains.txt"
	RulesFile      = "gitleaks.toml"
	CADir          = "ca"
)

// State is the lifecycle state of the supervised engine
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options controls how the engine process is launched
type Options struct {
	// Binary is the engine executable. Defaults to the running executable.
	Binary string
	// Args precede the generated flags, e.g. the "serve" subcommand.
	Args []string
	// Env is appended to the current environment.
	Env []string

	ListenHost     string
	StartupTimeout time.Duration
	PollInterval   time.Duration
	DialTimeout    time.Duration
	StopTimeout    time.Duration

	Logger *logger.Logger
}

func (o *Options) setDefaults() {
	if o.ListenHost == "" {
		o.ListenHost = "127.0.0.1"
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 500 * time.Millisecond
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
}

// Supervisor owns the only handle to one engine process
type Supervisor struct {
	sessionDir string
	configDir  string
	opts       Options
	logger     *logger.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	logFile *os.File
	port    int
	exited  chan struct{}
	waitErr error
}

// New creates a supervisor for one session. Nothing is started yet.
func New(sessionDir, configDir string, opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		sessionDir: sessionDir,
		configDir:  configDir,
		opts:       opts,
		logger:     opts.Logger.WithComponent("supervisor"),
		state:      NotStarted,
	}
}

// WhitelistPath is the allow-list passed to the engine
func (s *Supervisor) WhitelistPath() string { return filepath.Join(s.configDir, WhitelistFile) }

// RulesPath is the secret-rule file passed to the engine
func (s *Supervisor) RulesPath() string { return filepath.Join(s.configDir, RulesFile) }

// AuditPath is the session audit log
func (s *Supervisor) AuditPath() string { return filepath.Join(s.sessionDir, AuditLogFile) }

// LogPath captures the engine's stdout and stderr
func (s *Supervisor) LogPath() string { return filepath.Join(s.sessionDir, ProcessLogFile) }

// CACertPath returns the interception CA certificate once the engine has
// generated it.
func (s *Supervisor) CACertPath() (string, bool) {
	return certs.ExistingCertPath(filepath.Join(s.configDir, CADir))
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the bound port, or 0 when not running
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return 0
	}
	return s.port
}

// PID returns the engine process id, or 0 when not running
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running || s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start launches the engine on a free port and blocks until it accepts
// connections. On timeout the process is killed and ErrStartupTimeout is
// returned.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Starting || s.state == Running {
		return 0, ErrAlreadyRunning
	}

	if err := os.MkdirAll(s.sessionDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create config dir: %w", err)
	}

	port, err := freePort(s.opts.ListenHost)
	if err != nil {
		return 0, err
	}

	logFile, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open proxy log: %w", err)
	}

	binary := s.opts.Binary
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			logFile.Close()
			return 0, fmt.Errorf("failed to resolve engine binary: %w", err)
		}
	}

	args := append(append([]string(nil), s.opts.Args...),
		"--listen-host", s.opts.ListenHost,
		"--port", strconv.Itoa(port),
		"--whitelist", s.WhitelistPath(),
		"--rules", s.RulesPath(),
		"--audit-log", s.AuditPath(),
		"--ca-dir", filepath.Join(s.configDir, CADir),
	)

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), s.opts.Env...)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.state = Failed
		return 0, fmt.Errorf("failed to start proxy: %w", err)
	}

	exited := make(chan struct{})
	s.cmd, s.logFile, s.port, s.exited, s.waitErr = cmd, logFile, port, exited, nil
	s.state = Starting
	go func() {
		// waitErr is only read after exited is closed.
		s.waitErr = cmd.Wait()
		close(exited)
	}()

	s.logger.Info("Proxy process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port),
		zap.String("log", s.LogPath()),
	)

	if err := s.waitReady(ctx, port, exited); err != nil {
		s.killLocked()
		s.state = Failed
		s.logger.Error("Proxy failed to start", zap.Error(err), zap.String("log", s.LogPath()))
		return 0, err
	}

	s.state = Running
	s.logger.Info("Proxy ready", zap.Int("port", port))
	return port, nil
}

// waitReady polls the port until a connection succeeds, the process exits,
// ctx is cancelled or the startup deadline passes.
func (s *Supervisor) waitReady(ctx context.Context, port int, exited <-chan struct{}) error {
	addr := net.JoinHostPort(dialHost(s.opts.ListenHost), strconv.Itoa(port))
	deadline := time.Now().Add(s.opts.StartupTimeout)

	for {
		conn, err := net.DialTimeout("tcp", addr, s.opts.DialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, addr, s.opts.StartupTimeout)
		}

		select {
		case <-exited:
			return fmt.Errorf("proxy exited during startup, see %s", s.LogPath())
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Stop asks the engine to terminate, waits up to StopTimeout and then kills
// it. Stopping a supervisor that is not running is a no-op. The lock is held
// throughout so concurrent Start, Stop and Reload calls serialize.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running && s.state != Starting {
		return nil
	}

	pid := s.cmd.Process.Pid
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to signal proxy, killing", zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case <-s.exited:
	case <-time.After(s.opts.StopTimeout):
		s.logger.Warn("Proxy did not exit in time, killing", zap.Int("pid", pid))
	}

	s.killLocked()
	s.state = Stopped
	s.logger.Info("Proxy stopped", zap.Int("pid", pid), zap.NamedError("exit", s.waitErr))
	return nil
}

// killLocked force-kills the process if still alive, reaps it and releases
// the log file.
func (s *Supervisor) killLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.exited:
		default:
			s.cmd.Process.Kill()
			<-s.exited
		}
	}
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
}

// Reload sends the reconfiguration signal. It does nothing if the process
// has already exited.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running || !s.aliveLocked() {
		s.logger.Debug("Reload skipped, proxy not running")
		return nil
	}

	err := s.cmd.Process.Signal(syscall.SIGHUP)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to signal proxy: %w", err)
	}
	s.logger.Info("Reload signal sent", zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

func (s *Supervisor) aliveLocked() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
	}
	alive, err := process.PidExists(int32(s.cmd.Process.Pid))
	return err == nil && alive
}

// ProcessStats is a point-in-time view of the engine process
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Uptime     string  `json:"uptime"`
}

// Stats samples resource usage of the running engine
func (s *Supervisor) Stats() (ProcessStats, error) {
	s.mu.Lock()
	if s.state != Running || !s.aliveLocked() {
		s.mu.Unlock()
		return ProcessStats{}, ErrNotRunning
	}
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to inspect proxy: %w", err)
	}

	stats := ProcessStats{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreads(); err == nil {
		stats.Threads = threads
	}
	if created, err := p.CreateTime(); err == nil {
		stats.Uptime = time.Since(time.UnixMilli(created)).Truncate(time.Second).String()
	}
	return stats, nil
}

// freePort asks the OS for an unused TCP port on host
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// dialHost maps wildcard listen addresses to loopback for readiness checks
func dialHost(listenHost string) string {
	switch listenHost {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	default:
		return listenHost
	}
}
