package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/branchoff/branchoff/internal/core/ports"
	"github.com/branchoff/branchoff/internal/core/webhook"
	"github.com/branchoff/branchoff/internal/shell/resolver"
	"github.com/branchoff/branchoff/internal/telemetry"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Data     DataConfig              `mapstructure:"data"`
	Registry RegistryConfig          `mapstructure:"registry"`
	Ports    PortsConfig             `mapstructure:"ports"`
	Deploy   DeployConfig            `mapstructure:"deploy"`
	Accept   AcceptConfig            `mapstructure:"accept"`
	Webhook  WebhookConfig           `mapstructure:"webhook"`
	Process  ProcessConfig           `mapstructure:"process"`
	Database DatabaseConfig          `mapstructure:"database"`
	Log      LogConfig               `mapstructure:"log"`
	Metrics  MetricsConfig           `mapstructure:"metrics"`
	Tracing  telemetry.TracingConfig `mapstructure:"tracing"`
	Shell    ShellConfig             `mapstructure:"shell"`
	VCS      VCSConfig               `mapstructure:"vcs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// APIToken guards /api/v1. Empty leaves the control API open.
	APIToken string `mapstructure:"api_token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DataConfig holds the state directory.
type DataConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// RegistryConfig locates the registry document and the checkouts. Empty
// values are derived from data.dir.
type RegistryConfig struct {
	Path     string `mapstructure:"path"`
	ReposDir string `mapstructure:"repos_dir"`
}

// PortsConfig is the half-open range new contexts are allocated from.
type PortsConfig struct {
	Start int `mapstructure:"start" validate:"min=1,max=65535"`
	End   int `mapstructure:"end" validate:"gtfield=Start,max=65536"`
}

// Range converts the config to a port range.
func (c PortsConfig) Range() ports.Range {
	return ports.Range{Start: c.Start, End: c.End}
}

// DeployConfig holds deployment limits and branch config lookup.
type DeployConfig struct {
	// MaxInstances caps the scale of a context. Zero means the CPU count.
	MaxInstances int `mapstructure:"max_instances" validate:"gte=0"`

	// ConfigFiles are the branch config file names, first existing wins.
	ConfigFiles []string `mapstructure:"config_files"`
}

// AcceptConfig restricts which repositories and branches webhooks deploy.
// Both are comma separated; empty accepts everything.
type AcceptConfig struct {
	URIs     string `mapstructure:"uris"`
	Branches string `mapstructure:"branches"`
}

// AllowList converts the config to a webhook allow-list.
func (c AcceptConfig) AllowList() webhook.AllowList {
	return webhook.AllowList{
		URIs:     webhook.ParseList(c.URIs),
		Branches: webhook.ParseList(c.Branches),
	}
}

// WebhookConfig holds webhook verification settings.
type WebhookConfig struct {
	// Secret verifies X-Hub-Signature-256. Empty disables verification.
	Secret string `mapstructure:"secret"`
}

// ProcessConfig selects the process manager backend.
type ProcessConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=local docker"`
	DockerHost   string        `mapstructure:"docker_host"`
	DefaultImage string        `mapstructure:"default_image"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// DatabaseConfig holds database configuration. An empty DSN is derived from
// data.dir.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ShellConfig selects the shell hooks and commands run in.
type ShellConfig struct {
	Path string `mapstructure:"path"`
}

// VCSConfig selects the git binary.
type VCSConfig struct {
	GitPath string `mapstructure:"git_path"`
}

// RegistryPath returns the registry document path.
func (c *Config) RegistryPath() string {
	if c.Registry.Path != "" {
		return c.Registry.Path
	}
	return filepath.Join(c.Data.Dir, "ecosystem.json")
}

// ReposDir returns the directory checkouts are cloned into.
func (c *Config) ReposDir() string {
	if c.Registry.ReposDir != "" {
		return c.Registry.ReposDir
	}
	return filepath.Join(c.Data.Dir, "repos")
}

// DatabaseDSN returns the journal database DSN.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	return filepath.Join(c.Data.Dir, "branchoff.db")
}

// MaxInstances returns the scale cap.
func (c *Config) MaxInstances() int {
	if c.Deploy.MaxInstances > 0 {
		return c.Deploy.MaxInstances
	}
	return runtime.NumCPU()
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults. Every key needs one so that AutomaticEnv sees it on
	// Unmarshal.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.api_token", "")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("registry.path", "")
	v.SetDefault("registry.repos_dir", "")
	v.SetDefault("ports.start", ports.DefaultRange().Start)
	v.SetDefault("ports.end", ports.DefaultRange().End)
	v.SetDefault("deploy.max_instances", 0)
	v.SetDefault("deploy.config_files", resolver.DefaultConfigFiles)
	v.SetDefault("accept.uris", "")
	v.SetDefault("accept.branches", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("process.backend", "local")
	v.SetDefault("process.docker_host", "")
	v.SetDefault("process.default_image", "node:lts-alpine")
	v.SetDefault("process.stop_timeout", "10s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.exporter", telemetry.ExporterNone)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("shell.path", "")
	v.SetDefault("vcs.git_path", "git")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// A missing file falls back to defaults.
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("BRANCHOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
