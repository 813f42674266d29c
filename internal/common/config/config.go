// Package config provides configuration management for dispatchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// ExecutorConfig holds executor service configuration.
type ExecutorConfig struct {
	SocketPath     string `mapstructure:"socketPath"`     // unix socket the service binds
	LockFilePath   string `mapstructure:"lockFilePath"`   // pid lock file for singleton enforcement
	Workers        int    `mapstructure:"workers"`        // worker pool size (N)
	MaxSessions    int    `mapstructure:"maxSessions"`    // concurrent agent processes (M <= N)
	QueueSize      int    `mapstructure:"queueSize"`      // 0 = unbounded
	RequestTimeout int    `mapstructure:"requestTimeout"` // per-connection IPC timeout, seconds
}

// AgentConfig holds configuration for spawning the external agent process.
type AgentConfig struct {
	Command       string   `mapstructure:"command"`       // agent binary
	ExtraArgs     []string `mapstructure:"extraArgs"`     // prepended to the generated arguments
	Env           []string `mapstructure:"env"`           // additional environment, KEY=VALUE
	ProgressFlush int      `mapstructure:"progressFlush"` // progress flush interval, seconds
}

// StorageConfig holds task storage configuration.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // memory, sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite database path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN builds a PostgreSQL connection string from the configuration.
func (s *StorageConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.DBName, s.SSLMode)
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StreamingConfig holds the optional websocket notification gateway configuration.
type StreamingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RequestTimeoutDuration returns the IPC request timeout as a time.Duration.
func (e *ExecutorConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(e.RequestTimeout) * time.Second
}

// ProgressFlushDuration returns the progress flush interval as a time.Duration.
func (a *AgentConfig) ProgressFlushDuration() time.Duration {
	return time.Duration(a.ProgressFlush) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultRuntimeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dispatchd")
	}
	return "/tmp/dispatchd"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	runtimeDir := defaultRuntimeDir()

	// Executor defaults
	v.SetDefault("executor.socketPath", filepath.Join(runtimeDir, "executor.sock"))
	v.SetDefault("executor.lockFilePath", filepath.Join(runtimeDir, "executor.pid"))
	v.SetDefault("executor.workers", 10)
	v.SetDefault("executor.maxSessions", 3)
	v.SetDefault("executor.queueSize", 0)
	v.SetDefault("executor.requestTimeout", 10)

	// Agent defaults
	v.SetDefault("agent.command", "agent")
	v.SetDefault("agent.extraArgs", []string{})
	v.SetDefault("agent.env", []string{})
	v.SetDefault("agent.progressFlush", 2)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", filepath.Join(runtimeDir, "tasks.db"))
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "dispatchd")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbName", "dispatchd")
	v.SetDefault("storage.sslMode", "disable")
	v.SetDefault("storage.maxConns", 10)
	v.SetDefault("storage.minConns", 2)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dispatchd")
	v.SetDefault("nats.maxReconnects", 10)

	// Streaming defaults
	v.SetDefault("streaming.enabled", false)
	v.SetDefault("streaming.addr", "localhost:8790")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DISPATCHD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.dispatchd/, or /etc/dispatchd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultRuntimeDir())
	v.AddConfigPath("/etc/dispatchd/")

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

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be positive, got %d", cfg.Executor.Workers)
	}
	if cfg.Executor.MaxSessions <= 0 {
		return fmt.Errorf("executor.maxSessions must be positive, got %d", cfg.Executor.MaxSessions)
	}
	if cfg.Executor.MaxSessions > cfg.Executor.Workers {
		return fmt.Errorf("executor.maxSessions (%d) must not exceed executor.workers (%d)",
			cfg.Executor.MaxSessions, cfg.Executor.Workers)
	}
	if cfg.Executor.SocketPath == "" {
		return fmt.Errorf("executor.socketPath must not be empty")
	}
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage.driver: %q", cfg.Storage.Driver)
	}
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	return nil
}
