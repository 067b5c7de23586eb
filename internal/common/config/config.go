// Package config provides configuration management for nerve.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nervehq/nerve/internal/common/logger"
)

// Config holds all configuration sections for the nerve daemon.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Transport TransportConfig      `mapstructure:"transport"`
	Events    EventsConfig         `mapstructure:"events"`
	History   HistoryConfig        `mapstructure:"history"`
	Node      NodeConfig           `mapstructure:"node"`
	Proxy     ProxyConfig          `mapstructure:"proxy"`
	Gateway   GatewayConfig        `mapstructure:"gateway"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig identifies the daemon instance.
type ServerConfig struct {
	Name string `mapstructure:"name"`
}

// TransportConfig selects the IPC listener. When TCP is false the server
// listens on a Unix domain socket at SocketPath.
type TransportConfig struct {
	TCP        bool   `mapstructure:"tcp"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	SocketPath string `mapstructure:"socketPath"`
}

// EventsConfig selects the event bus. Empty NATSURL means the in-memory bus.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// HistoryConfig controls the per-node append-only JSONL log.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseDir string `mapstructure:"baseDir"`
}

// NodeConfig holds node runtime tunables.
type NodeConfig struct {
	ExecTimeout     int `mapstructure:"execTimeout"`     // seconds
	PollInterval    int `mapstructure:"pollInterval"`    // milliseconds
	ReadyDebounce   int `mapstructure:"readyDebounce"`   // consecutive ready polls required
	PostReadyGrace  int `mapstructure:"postReadyGrace"`  // milliseconds
	BufferChunkSize int `mapstructure:"bufferChunkSize"` // bytes per buffer segment
}

// ProxyConfig holds proxy manager tunables.
type ProxyConfig struct {
	StartRetries  int `mapstructure:"startRetries"`
	HealthTimeout int `mapstructure:"healthTimeout"` // seconds
	StopTimeout   int `mapstructure:"stopTimeout"`   // seconds
}

// GatewayConfig controls the optional WebSocket/HTTP gateway.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// ExecTimeoutDuration returns the default execute timeout as a time.Duration.
func (n *NodeConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(n.ExecTimeout) * time.Second
}

// PollIntervalDuration returns the parser poll interval as a time.Duration.
func (n *NodeConfig) PollIntervalDuration() time.Duration {
	return time.Duration(n.PollInterval) * time.Millisecond
}

// PostReadyGraceDuration returns the post-ready grace as a time.Duration.
func (n *NodeConfig) PostReadyGraceDuration() time.Duration {
	return time.Duration(n.PostReadyGrace) * time.Millisecond
}

// HealthTimeoutDuration returns the proxy health timeout as a time.Duration.
func (p *ProxyConfig) HealthTimeoutDuration() time.Duration {
	return time.Duration(p.HealthTimeout) * time.Second
}

// StopTimeoutDuration returns the proxy stop timeout as a time.Duration.
func (p *ProxyConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(p.StopTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "default")

	v.SetDefault("transport.tcp", false)
	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.port", 7777)
	v.SetDefault("transport.socketPath", "")

	// Empty URL means use the in-memory event bus
	v.SetDefault("events.natsUrl", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.baseDir", "")

	v.SetDefault("node.execTimeout", 1800)
	v.SetDefault("node.pollInterval", 300)
	v.SetDefault("node.readyDebounce", 2)
	v.SetDefault("node.postReadyGrace", 500)
	v.SetDefault("node.bufferChunkSize", 64*1024)

	v.SetDefault("proxy.startRetries", 5)
	v.SetDefault("proxy.healthTimeout", 10)
	v.SetDefault("proxy.stopTimeout", 5)

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 7780)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix NERVE_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations (current directory, /etc/nerve/).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nerve/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if cfg.Transport.TCP {
		if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
			errs = append(errs, "transport.port must be between 1 and 65535")
		}
	}
	if cfg.Node.ExecTimeout <= 0 {
		errs = append(errs, "node.execTimeout must be positive")
	}
	if cfg.Node.PollInterval <= 0 {
		errs = append(errs, "node.pollInterval must be positive")
	}
	if cfg.Proxy.StartRetries <= 0 {
		errs = append(errs, "proxy.startRetries must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
