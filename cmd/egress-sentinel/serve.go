package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/raaihank/egress-sentinel/internal/config"
	"github.com/raaihank/egress-sentinel/internal/logger"
	"github.com/raaihank/egress-sentinel/internal/proxy"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intercepting proxy in the foreground",
	Long: `Runs the interception engine until SIGINT or SIGTERM. SIGHUP re-reads
the domain allow-list without dropping connections.

Flags override values from the config file, which in turn override
defaults. Environment variables use the SENTINEL_ prefix, for example
SENTINEL_POLICY_WHITELIST_PATH.`,
	RunE: runServe,
}

var serveConfigPath string

// serveFlags maps each serve flag to the config key it overrides
var serveFlags = map[string]string{
	"listen-host":  "server.listen_host",
	"port":         "server.port",
	"whitelist":    "policy.whitelist_path",
	"rules":        "dlp.rules_path",
	"audit-log":    "audit.path",
	"ca-dir":       "tls.ca_dir",
	"admin-listen": "admin.listen",
	"log-level":    "logging.level",
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveConfigPath, "config", "", "Path to configuration file")
	f.String("listen-host", "", "Address to bind the proxy on")
	f.Int("port", 0, "Port to bind the proxy on")
	f.String("whitelist", "", "Path to the trusted domains file")
	f.String("rules", "", "Path to the gitleaks-style secret rule file")
	f.String("audit-log", "", "Path to the JSONL audit log")
	f.String("ca-dir", "", "Directory holding the interception CA")
	f.String("admin-listen", "", "Enable the admin server on this address")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
}

// loadServeConfig resolves configuration with changed flags taking
// precedence over the file and environment.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	for name, key := range serveFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	if cmd.Flags().Changed("admin-listen") {
		v.Set("admin.enabled", true)
	}
	return config.LoadFrom(v, serveConfigPath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting egress-sentinel",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
		zap.Int("port", cfg.Server.Port),
	)

	server, err := proxy.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	return serveWithSignals(server, log)
}

// engine is the part of the proxy server the signal loop drives
type engine interface {
	Start() error
	Reload(trigger string) (int, error)
	Stop(ctx context.Context) error
}

// serveWithSignals runs eng until SIGINT or SIGTERM, reloading on SIGHUP.
// Signals are subscribed before the engine starts so none are lost to the
// default handler.
func serveWithSignals(eng engine, log *logger.Logger) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- eng.Start()
	}()

	for {
		select {
		case err := <-serverErrors:
			if err != nil {
				log.Error("Server error", zap.Error(err))
			}
			return err
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				// A failed reload keeps the previous allow-list.
				eng.Reload("signal")
				continue
			}

			log.Info("Shutdown signal received", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := eng.Stop(ctx)
			cancel()
			if err != nil {
				log.Error("Failed to shutdown server gracefully", zap.Error(err))
				return err
			}
			log.Info("Server shutdown complete")
			return nil
		}
	}
}
