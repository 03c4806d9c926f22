// Package config provides configuration management for the codesdk daemon.
// It supports loading configuration from environment variables, config files,
// and defaults; CLI flags are applied on top by the daemon entrypoint.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Runtimes  RuntimesConfig  `mapstructure:"runtimes"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// DataDir is the directory the daemon owns: events database, artifacts,
	// runtime-env trees. Required.
	DataDir string `mapstructure:"dataDir"`

	// WorkspaceRoot is the default working directory for new sessions.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"` // 0 = ephemeral
	ReadTimeout         int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout        int    `mapstructure:"writeTimeout"` // in seconds; 0 for SSE compatibility
	BodyLimitBytes      int64  `mapstructure:"bodyLimitBytes"`
	MaxSSEClients       int    `mapstructure:"maxSseClients"`
	CloseOnBackpressure bool   `mapstructure:"closeOnBackpressure"`
	RateLimitRequests   int    `mapstructure:"rateLimitRequests"`
	RateLimitWindow     int    `mapstructure:"rateLimitWindow"` // in seconds
}

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres", "memory".
	Driver string `mapstructure:"driver"`

	// Postgres connection settings, used when driver=postgres.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds the optional external event relay configuration.
// An empty URL means the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ArtifactsConfig holds artifact store configuration.
type ArtifactsConfig struct {
	// MaxBytes caps a single artifact. 0 means unlimited.
	MaxBytes int64 `mapstructure:"maxBytes"`
}

// EngineConfig holds executor engine configuration.
type EngineConfig struct {
	MaxInflightTasks  int `mapstructure:"maxInflightTasks"`
	InlineResultLimit int `mapstructure:"inlineResultLimit"`
	ResultPreviewLen  int `mapstructure:"resultPreviewLen"`
}

// RuntimesConfig selects which runtime adapters are served.
type RuntimesConfig struct {
	Enabled               []string `mapstructure:"enabled"`
	Default               string   `mapstructure:"default"`
	DefaultPermissionMode string   `mapstructure:"defaultPermissionMode"`
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

// RateLimitWindowDuration returns the rate limit window as a time.Duration.
func (s *ServerConfig) RateLimitWindowDuration() time.Duration {
	return time.Duration(s.RateLimitWindow) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CODESDK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8317)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE streams are long-lived
	v.SetDefault("server.bodyLimitBytes", 1<<20)
	v.SetDefault("server.maxSseClients", 64)
	v.SetDefault("server.closeOnBackpressure", true)
	v.SetDefault("server.rateLimitRequests", 120)
	v.SetDefault("server.rateLimitWindow", 60)

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.host", "")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "codesdk")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "codesdk")
	v.SetDefault("store.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codesdk")
	v.SetDefault("nats.maxReconnects", 10)

	// Artifact defaults
	v.SetDefault("artifacts.maxBytes", int64(64<<20))

	// Engine defaults
	v.SetDefault("engine.maxInflightTasks", 32)
	v.SetDefault("engine.inlineResultLimit", 8000)
	v.SetDefault("engine.resultPreviewLen", 512)

	// Runtime defaults
	v.SetDefault("runtimes.enabled", []string{"mock"})
	v.SetDefault("runtimes.default", "mock")
	v.SetDefault("runtimes.defaultPermissionMode", "ask")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CODESDK_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/codesdk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODESDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("dataDir", "CODESDK_DATA_DIR")
	_ = v.BindEnv("workspaceRoot", "CODESDK_WORKSPACE_ROOT")
	_ = v.BindEnv("server.bodyLimitBytes", "CODESDK_SERVER_BODY_LIMIT_BYTES")
	_ = v.BindEnv("engine.maxInflightTasks", "CODESDK_ENGINE_MAX_INFLIGHT_TASKS")
	_ = v.BindEnv("runtimes.defaultPermissionMode", "CODESDK_RUNTIMES_DEFAULT_PERMISSION_MODE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codesdk/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable. Called after CLI flags
// have been applied.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	switch cfg.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Store.Host == "" {
			errs = append(errs, "store.host is required when store.driver is postgres")
		}
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres, memory")
	}

	mode := strings.ToLower(cfg.Runtimes.DefaultPermissionMode)
	if mode != "auto" && mode != "ask" && mode != "yolo" {
		errs = append(errs, "runtimes.defaultPermissionMode must be one of: auto, ask, yolo")
	}
	if cfg.Runtimes.Default != "" && len(cfg.Runtimes.Enabled) > 0 {
		found := false
		for _, r := range cfg.Runtimes.Enabled {
			if r == cfg.Runtimes.Default {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("runtimes.default '%s' is not in runtimes.enabled", cfg.Runtimes.Default))
		}
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
