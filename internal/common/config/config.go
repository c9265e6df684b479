// Package config provides configuration management for CSM.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CSM.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Master  MasterConfig  `mapstructure:"master"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the master.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// MasterConfig holds master-side configuration.
type MasterConfig struct {
	// DataDir is where the master keeps its auth token and app config file.
	DataDir string `mapstructure:"dataDir"`
	// EventHistoryLimit bounds the in-memory worker-event ring.
	EventHistoryLimit int `mapstructure:"eventHistoryLimit"`
}

// WorkerConfig holds worker agent configuration.
type WorkerConfig struct {
	// ID identifies this worker to the master. Defaults to the sanitized hostname.
	ID string `mapstructure:"id"`
	// MasterURL is the base URL of the master API. Empty means pure local mode:
	// the agent polls tmux and persists state but pushes nothing.
	MasterURL string `mapstructure:"masterUrl"`
	// Token is the bearer token presented to the master.
	Token string `mapstructure:"token"`
	// StatePath is the JSON state file path.
	StatePath string `mapstructure:"statePath"`
	// SessionPrefix filters which tmux sessions the agent manages.
	SessionPrefix     string `mapstructure:"sessionPrefix"`
	PollInterval      int    `mapstructure:"pollInterval"`      // in seconds
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// PollIntervalDuration returns the poll interval as a time.Duration.
func (w *WorkerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval as a time.Duration.
func (w *WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CSM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultWorkerID derives a worker identifier from the hostname,
// lowercased with anything outside [a-z0-9-] replaced by '-'.
func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "worker"
	}
	return SanitizeWorkerID(hostname)
}

// SanitizeWorkerID normalizes a worker identifier so it is safe to embed in
// bus subjects and URLs.
func SanitizeWorkerID(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "worker"
	}
	return out
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Master defaults
	v.SetDefault("master.dataDir", "~/.csm")
	v.SetDefault("master.eventHistoryLimit", 1000)

	// Worker defaults
	v.SetDefault("worker.id", defaultWorkerID())
	v.SetDefault("worker.masterUrl", "") // empty means local-only mode
	v.SetDefault("worker.token", "")
	v.SetDefault("worker.statePath", "~/.csm/worker-state.json")
	v.SetDefault("worker.sessionPrefix", "csm-")
	v.SetDefault("worker.pollInterval", 10)
	v.SetDefault("worker.heartbeatInterval", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "csm")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CSM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/csm/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("worker.masterUrl", "CSM_MASTER_URL", "CSM_WORKER_MASTER_URL")
	_ = v.BindEnv("worker.id", "CSM_WORKER_ID")
	_ = v.BindEnv("worker.token", "CSM_TOKEN", "CSM_WORKER_TOKEN")
	_ = v.BindEnv("worker.statePath", "CSM_WORKER_STATE_PATH")
	_ = v.BindEnv("worker.pollInterval", "CSM_WORKER_POLL_INTERVAL")
	_ = v.BindEnv("worker.heartbeatInterval", "CSM_WORKER_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("master.dataDir", "CSM_MASTER_DATA_DIR")
	_ = v.BindEnv("master.eventHistoryLimit", "CSM_MASTER_EVENT_HISTORY_LIMIT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/csm/")

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

	expandHome(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Master.EventHistoryLimit <= 0 {
		errs = append(errs, "master.eventHistoryLimit must be positive")
	}

	if cfg.Worker.ID == "" {
		errs = append(errs, "worker.id must not be empty")
	}
	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, "worker.pollInterval must be positive")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, "worker.heartbeatInterval must be positive")
	}
	if cfg.Worker.MasterURL != "" && !strings.HasPrefix(cfg.Worker.MasterURL, "http://") &&
		!strings.HasPrefix(cfg.Worker.MasterURL, "https://") {
		errs = append(errs, "worker.masterUrl must be an http(s) URL")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandHome resolves a leading "~/" in path-valued settings.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return home + p[1:]
		}
		return p
	}
	cfg.Master.DataDir = expand(cfg.Master.DataDir)
	cfg.Worker.StatePath = expand(cfg.Worker.StatePath)
}
