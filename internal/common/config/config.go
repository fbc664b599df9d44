// Package config provides configuration management for conductor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for conductor.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Permission PermissionConfig `mapstructure:"permission"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// AgentConfig describes the agent executable every session runs.
type AgentConfig struct {
	Executable            string            `mapstructure:"executable"`
	Args                  []string          `mapstructure:"args"`
	Env                   map[string]string `mapstructure:"env"`
	KillGraceMs           int               `mapstructure:"killGraceMs"`
	DefaultPermissionMode string            `mapstructure:"defaultPermissionMode"` // auto-approve, auto-deny
}

// WorktreeConfig holds Git worktree configuration.
type WorktreeConfig struct {
	BasePath     string `mapstructure:"basePath"`     // default: ~/.conductor/worktrees
	BranchPrefix string `mapstructure:"branchPrefix"` // default: conductor/
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`

	BusyTimeoutMs int `mapstructure:"busyTimeoutMs"` // sqlite lock wait
	ReaderConns   int `mapstructure:"readerConns"`   // sqlite read-only pool size
}

// PermissionConfig holds permission channel configuration.
type PermissionConfig struct {
	SocketDir        string `mapstructure:"socketDir"`
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	// MaxConcurrent caps operations running at once across all keys. 0 means unbounded.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// EventsConfig selects the event bus. An empty NATS URL uses the in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry configuration. Empty endpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// KillGrace returns the kill grace period as a time.Duration.
func (a *AgentConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceMs) * time.Millisecond
}

// RequestTimeout returns the permission request timeout as a time.Duration.
func (p *PermissionConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMs) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// DataDir returns the directory conductor keeps its state in.
func DataDir() string {
	if dir := os.Getenv("CONDUCTOR_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.executable", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.env", map[string]string{})
	v.SetDefault("agent.killGraceMs", 5000)
	v.SetDefault("agent.defaultPermissionMode", "auto-deny")

	v.SetDefault("worktree.basePath", filepath.Join(DataDir(), "worktrees"))
	v.SetDefault("worktree.branchPrefix", "conductor/")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(DataDir(), "conductor.db"))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.readerConns", 4)

	v.SetDefault("permission.socketDir", os.TempDir())
	v.SetDefault("permission.requestTimeoutMs", 30000)

	v.SetDefault("queue.maxConcurrent", 0)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "conductor")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.otlpEndpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONDUCTOR_ with the config path joined by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys are not mapped to SNAKE_CASE env vars by AutomaticEnv.
	_ = v.BindEnv("agent.killGraceMs", "CONDUCTOR_AGENT_KILL_GRACE_MS")
	_ = v.BindEnv("agent.defaultPermissionMode", "CONDUCTOR_AGENT_DEFAULT_PERMISSION_MODE")
	_ = v.BindEnv("worktree.basePath", "CONDUCTOR_WORKTREE_BASE_PATH")
	_ = v.BindEnv("worktree.branchPrefix", "CONDUCTOR_WORKTREE_BRANCH_PREFIX")
	_ = v.BindEnv("permission.socketDir", "CONDUCTOR_PERMISSION_SOCKET_DIR")
	_ = v.BindEnv("permission.requestTimeoutMs", "CONDUCTOR_PERMISSION_REQUEST_TIMEOUT_MS")
	_ = v.BindEnv("queue.maxConcurrent", "CONDUCTOR_QUEUE_MAX_CONCURRENT")
	_ = v.BindEnv("events.natsUrl", "CONDUCTOR_NATS_URL")
	_ = v.BindEnv("tracing.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(DataDir())
	v.AddConfigPath("/etc/conductor/")

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

	if strings.TrimSpace(cfg.Agent.Executable) == "" {
		errs = append(errs, "agent.executable is required")
	}
	if cfg.Agent.KillGraceMs < 0 {
		errs = append(errs, "agent.killGraceMs must not be negative")
	}
	switch cfg.Agent.DefaultPermissionMode {
	case "auto-approve", "auto-deny":
	default:
		errs = append(errs, "agent.defaultPermissionMode must be one of: auto-approve, auto-deny")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Permission.RequestTimeoutMs <= 0 {
		errs = append(errs, "permission.requestTimeoutMs must be positive")
	}
	if cfg.Queue.MaxConcurrent < 0 {
		errs = append(errs, "queue.maxConcurrent must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
