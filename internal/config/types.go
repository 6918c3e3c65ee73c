package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	DLP       DLPConfig       `yaml:"dlp" mapstructure:"dlp"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	TLS       TLSConfig       `yaml:"tls" mapstructure:"tls"`
	Admin     AdminConfig     `yaml:"admin" mapstructure:"admin"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

// ServerConfig contains the intercepting listener configuration
type ServerConfig struct {
	ListenHost   string        `yaml:"listen_host" mapstructure:"listen_host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// MaxBodyBytes bounds how much of a text body is buffered for scrubbing.
	// Larger bodies are forwarded unscrubbed.
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// PolicyConfig contains the domain allow-list configuration
type PolicyConfig struct {
	WhitelistPath string `yaml:"whitelist_path" mapstructure:"whitelist_path"`
	// Watch reloads the allow-list whenever its file changes on disk.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// DLPConfig contains secret and PII scrubbing configuration
type DLPConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	RulesPath  string `yaml:"rules_path" mapstructure:"rules_path"`
	ScrubQuery bool   `yaml:"scrub_query" mapstructure:"scrub_query"`
}

// AuditConfig contains the per-session audit log configuration
type AuditConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// TLSConfig contains interception CA configuration
type TLSConfig struct {
	CADir string `yaml:"ca_dir" mapstructure:"ca_dir"`
}

// AdminConfig contains the loopback admin server configuration
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen    string          `yaml:"listen" mapstructure:"listen"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-client admin API rate limiting
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains live audit feed configuration
type WebSocketConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Path           string        `yaml:"path" mapstructure:"path"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	PingInterval   time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	Events         struct {
		BroadcastAudit       bool `yaml:"broadcast_audit" mapstructure:"broadcast_audit"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenHost:   "0.0.0.0",
			Port:         8080,
			IdleTimeout:  90 * time.Second,
			MaxBodyBytes: 512_000,
		},
		Policy: PolicyConfig{
			WhitelistPath: "trusted_domains.txt",
		},
		DLP: DLPConfig{
			Enabled:    true,
			ScrubQuery: true,
		},
		Audit: AuditConfig{
			Path: "network.jsonl",
		},
		TLS: TLSConfig{
			CADir: "ca",
		},
		Admin: AdminConfig{
			Enabled: false,
			Listen:  "127.0.0.1:0",
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 120,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			MaxConnections: 16,
			PingInterval:   54 * time.Second,
			PongTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
	}
	cfg.Logging.File.Path = "logs/egress-sentinel.log"
	cfg.WebSocket.Events.BroadcastAudit = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true
	return cfg
}
