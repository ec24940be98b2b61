// Package config provides configuration management for agentrunner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentrunner.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Repositories RepositoriesConfig `mapstructure:"repositories"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RunnerConfig holds CommandRunner timing and concurrency configuration.
type RunnerConfig struct {
	MaxConcurrentInvocations int `mapstructure:"maxConcurrentInvocations"`
	HardTimeoutMs            int `mapstructure:"hardTimeoutMs"`
	IdleTimeoutMs            int `mapstructure:"idleTimeoutMs"`
	IterateTimeoutMs         int `mapstructure:"iterateTimeoutMs"`
	MaxOutputBytes           int `mapstructure:"maxOutputBytes"`
}

// MemoryConfig holds conversation memory configuration.
type MemoryConfig struct {
	TTLSeconds int    `mapstructure:"ttlSeconds"`
	Backend    string `mapstructure:"backend"` // "memory" or "postgres"
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// WebhookConfig holds outbound webhook delivery configuration.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// RepositoriesConfig holds configuration for resolving repository paths.
type RepositoriesConfig struct {
	Root string `mapstructure:"root"`
}

// WorkerConfig holds configuration for the external worker CLI.
type WorkerConfig struct {
	CLIPath string `mapstructure:"cliPath"`
}

// EventsConfig holds optional job-lifecycle event bus configuration.
type EventsConfig struct {
	// NATSURL is empty by default, meaning event publishing is disabled.
	NATSURL   string `mapstructure:"natsUrl"`
	Subject   string `mapstructure:"subject"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HardTimeout returns the hard timeout as a time.Duration.
func (r *RunnerConfig) HardTimeout() time.Duration {
	return time.Duration(r.HardTimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a time.Duration.
func (r *RunnerConfig) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutMs) * time.Millisecond
}

// IterateTimeout returns the per-iteration timeout as a time.Duration.
func (r *RunnerConfig) IterateTimeout() time.Duration {
	return time.Duration(r.IterateTimeoutMs) * time.Millisecond
}

// TTL returns the conversation TTL as a time.Duration.
func (m *MemoryConfig) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTRUNNER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Runner defaults
	v.SetDefault("runner.maxConcurrentInvocations", 5)
	v.SetDefault("runner.hardTimeoutMs", 30*60*1000)
	v.SetDefault("runner.idleTimeoutMs", 10*60*1000)
	v.SetDefault("runner.iterateTimeoutMs", 30*60*1000)
	v.SetDefault("runner.maxOutputBytes", 10*1024*1024)

	// Memory defaults
	v.SetDefault("memory.ttlSeconds", 24*60*60)
	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.postgresDsn", "")

	// Webhook defaults
	v.SetDefault("webhook.secret", "")

	// Repositories defaults
	v.SetDefault("repositories.root", "./repos")

	// Worker defaults
	v.SetDefault("worker.cliPath", "worker")

	// Events defaults - empty URL means event publishing is disabled
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.subject", "agentrunner.jobs")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTRUNNER_ followed by the upper-cased
// key path with dots replaced by underscores (e.g. AGENTRUNNER_RUNNER_HARDTIMEOUTMS);
// the bare names bound in LoadWithPath are accepted as well.
// Config file should be named config.yaml and placed in the current directory or /etc/agentrunner/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare (unprefixed) env var names this service
	// names directly, alongside the AGENTRUNNER_-prefixed convention.
	_ = v.BindEnv("runner.maxConcurrentInvocations", "MAX_CONCURRENT_INVOCATIONS")
	_ = v.BindEnv("runner.hardTimeoutMs", "HARD_TIMEOUT_MS")
	_ = v.BindEnv("runner.idleTimeoutMs", "IDLE_TIMEOUT_MS")
	_ = v.BindEnv("runner.iterateTimeoutMs", "ITERATE_TIMEOUT_MS")
	_ = v.BindEnv("runner.maxOutputBytes", "MAX_OUTPUT_BYTES")
	_ = v.BindEnv("memory.ttlSeconds", "MEMORY_TTL_SECONDS")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("repositories.root", "REPOSITORIES_ROOT")
	_ = v.BindEnv("worker.cliPath", "WORKER_CLI_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentrunner/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Runner.MaxConcurrentInvocations < 1 {
		errs = append(errs, "runner.maxConcurrentInvocations must be at least 1")
	}
	if cfg.Runner.HardTimeoutMs < cfg.Runner.IdleTimeoutMs {
		errs = append(errs, "runner.hardTimeoutMs must be >= runner.idleTimeoutMs")
	}
	if cfg.Runner.MaxOutputBytes <= 0 {
		errs = append(errs, "runner.maxOutputBytes must be positive")
	}

	if cfg.Memory.Backend != "memory" && cfg.Memory.Backend != "postgres" {
		errs = append(errs, "memory.backend must be one of: memory, postgres")
	}
	if cfg.Memory.Backend == "postgres" && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, "memory.postgresDsn is required when memory.backend is postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
