package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// SENTINEL_POLICY_WHITELIST_PATH.
const EnvPrefix = "SENTINEL"

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return LoadFrom(viper.New(), configPath)
}

// LoadFrom loads configuration using a caller-provided viper instance, so
// command-line flags bound with BindPFlag take precedence over the file.
func LoadFrom(v *viper.Viper, configPath string) (*Config, error) {
	config := GetDefaults()
	setDefaults(v, config)

	v.SetConfigName("egress-sentinel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("$HOME/.egress-sentinel/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults registers every key with viper. AutomaticEnv only resolves
// keys viper already knows about when unmarshalling.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.listen_host", c.Server.ListenHost)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.idle_timeout", c.Server.IdleTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)

	v.SetDefault("policy.whitelist_path", c.Policy.WhitelistPath)
	v.SetDefault("policy.watch", c.Policy.Watch)

	v.SetDefault("dlp.enabled", c.DLP.Enabled)
	v.SetDefault("dlp.rules_path", c.DLP.RulesPath)
	v.SetDefault("dlp.scrub_query", c.DLP.ScrubQuery)

	v.SetDefault("audit.path", c.Audit.Path)
	v.SetDefault("tls.ca_dir", c.TLS.CADir)

	v.SetDefault("admin.enabled", c.Admin.Enabled)
	v.SetDefault("admin.listen", c.Admin.Listen)
	v.SetDefault("admin.rate_limit.enabled", c.Admin.RateLimit.Enabled)
	v.SetDefault("admin.rate_limit.requests_per_min", c.Admin.RateLimit.RequestsPerMin)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file.enabled", c.Logging.File.Enabled)
	v.SetDefault("logging.file.path", c.Logging.File.Path)

	v.SetDefault("websocket.enabled", c.WebSocket.Enabled)
	v.SetDefault("websocket.path", c.WebSocket.Path)
	v.SetDefault("websocket.max_connections", c.WebSocket.MaxConnections)
	v.SetDefault("websocket.ping_interval", c.WebSocket.PingInterval)
	v.SetDefault("websocket.pong_timeout", c.WebSocket.PongTimeout)
	v.SetDefault("websocket.write_timeout", c.WebSocket.WriteTimeout)
	v.SetDefault("websocket.events.broadcast_audit", c.WebSocket.Events.BroadcastAudit)
	v.SetDefault("websocket.events.broadcast_system", c.WebSocket.Events.BroadcastSystem)
	v.SetDefault("websocket.events.broadcast_connections", c.WebSocket.Events.BroadcastConnections)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	// Port 0 asks the OS for an ephemeral port.
	if config.Server.Port < 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body size: %d", config.Server.MaxBodyBytes)
	}

	if config.Admin.RateLimit.Enabled && config.Admin.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid admin rate limit: %d requests per minute", config.Admin.RateLimit.RequestsPerMin)
	}

	if config.Audit.Path == "" {
		return fmt.Errorf("audit log path is required")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}
