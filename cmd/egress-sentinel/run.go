package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/egress-sentinel/internal/config"
	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/policy"
	"github.com/raaihank/egress-sentinel/internal/supervisor"
)

const statsInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Supervise a proxy for one sandbox session",
	Long: `Creates the default allow-list and rule file if missing, starts the
proxy as a child process on a free port and waits until it accepts
connections. The port, CA certificate and audit log path are printed
for the sandbox to consume.

SIGHUP is forwarded to the proxy to reload the allow-list. SIGINT or
SIGTERM stops the proxy.`,
	RunE: runRun,
}

var (
	sessionDir     string
	configDir      string
	runListenHost  string
	startupTimeout time.Duration
)

func init() {
	runCmd.Flags().StringVar(&sessionDir, "session-dir", "", "Directory for the audit log and proxy log (default: a new temp dir)")
	runCmd.Flags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Directory holding the allow-list, rules and CA")
	runCmd.Flags().StringVar(&runListenHost, "listen-host", "127.0.0.1", "Address the proxy binds on")
	runCmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 10*time.Second, "How long to wait for the proxy to accept connections")
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".egress-sentinel"
	}
	return filepath.Join(home, ".egress-sentinel")
}

func runRun(cmd *cobra.Command, args []string) error {
	log, err := newLogger(config.GetDefaults())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if sessionDir == "" {
		if sessionDir, err = os.MkdirTemp("", "egress-sentinel-session-"); err != nil {
			return fmt.Errorf("failed to create session dir: %w", err)
		}
	}
	if _, err := policy.CreateDefault(configDir); err != nil {
		return err
	}
	if _, err := dlp.CreateDefaultRules(configDir); err != nil {
		return err
	}

	sup := supervisor.New(sessionDir, configDir, supervisor.Options{
		Args:           []string{"serve"},
		ListenHost:     runListenHost,
		StartupTimeout: startupTimeout,
		Logger:         log,
	})

	port, err := sup.Start(cmd.Context())
	if err != nil {
		return err
	}
	defer sup.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Proxy listening on %s:%d (pid %d)\n", runListenHost, port, sup.PID())
	if caPath, ok := sup.CACertPath(); ok {
		fmt.Fprintf(out, "CA certificate:  %s\n", caPath)
	}
	fmt.Fprintf(out, "Audit log:       %s\n", sup.AuditPath())
	fmt.Fprintf(out, "Proxy log:       %s\n", sup.LogPath())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := sup.Reload(); err != nil {
					log.Warn("Reload failed", zap.Error(err))
				}
				continue
			}
			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
			return sup.Stop()
		case <-ticker.C:
			stats, err := sup.Stats()
			if err != nil {
				return fmt.Errorf("proxy is no longer running, see %s: %w", sup.LogPath(), err)
			}
			log.Info("Proxy stats",
				zap.Int("pid", stats.PID),
				zap.Uint64("rss_bytes", stats.RSSBytes),
				zap.Float64("cpu_percent", stats.CPUPercent),
				zap.Int32("threads", stats.Threads),
				zap.String("uptime", stats.Uptime),
			)
		}
	}
}
