// Package config provides configuration management for Tymbal.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Tymbal server and runtime daemon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Hub       HubConfig       `mapstructure:"hub"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the dialect: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path, ":memory:" for tests
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HubConfig holds connection hub configuration.
type HubConfig struct {
	MaxFrameBytes int `mapstructure:"maxFrameBytes"` // maximum accepted frame length
	SendBuffer    int `mapstructure:"sendBuffer"`    // per-connection outbound queue
	PingSeconds   int `mapstructure:"pingSeconds"`   // runtime control ping period
	MaxMissedPong int `mapstructure:"maxMissedPong"` // missed pongs before disconnect
}

// RuntimeConfig holds runtime daemon configuration (tymbal-runtime side).
type RuntimeConfig struct {
	ServerURL        string `mapstructure:"serverUrl"`  // ws:// or wss:// control endpoint
	SpaceID          string `mapstructure:"spaceId"`    // owning space
	Name             string `mapstructure:"name"`       // stable display name
	RuntimeID        string `mapstructure:"runtimeId"`  // optional pre-assigned id
	Credential       string `mapstructure:"credential"` // server credential for the control link
	WorkspacePath    string `mapstructure:"workspacePath"`
	HeartbeatSeconds int    `mapstructure:"heartbeatSeconds"`
}

// EngineConfig holds engine selection and spawn configuration.
type EngineConfig struct {
	Default         string            `mapstructure:"default"`         // engine id to fall back to
	Binaries        map[string]string `mapstructure:"binaries"`        // engine id -> executable path
	InitTimeout     int               `mapstructure:"initTimeout"`     // seconds to wait for child init
	RewriteHostURLs bool              `mapstructure:"rewriteHostUrls"` // containerized deployment
	HostAlias       string            `mapstructure:"hostAlias"`       // localhost substitution target
}

// LifecycleConfig holds agent lifecycle tunables.
type LifecycleConfig struct {
	CheckinTimeout int `mapstructure:"checkinTimeout"` // seconds from activate to checkin
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CheckinTimeoutDuration returns the checkin timeout as a time.Duration.
func (l *LifecycleConfig) CheckinTimeoutDuration() time.Duration {
	return time.Duration(l.CheckinTimeout) * time.Second
}

// InitTimeoutDuration returns the child init timeout as a time.Duration.
func (e *EngineConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(e.InitTimeout) * time.Second
}

// HeartbeatDuration returns the agent heartbeat interval as a time.Duration.
func (r *RuntimeConfig) HeartbeatDuration() time.Duration {
	return time.Duration(r.HeartbeatSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TYMBAL_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - sqlite file next to the binary unless configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "tymbal.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tymbal")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "tymbal")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tymbal-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Hub defaults
	v.SetDefault("hub.maxFrameBytes", 64*1024)
	v.SetDefault("hub.sendBuffer", 256)
	v.SetDefault("hub.pingSeconds", 20)
	v.SetDefault("hub.maxMissedPong", 3)

	// Runtime daemon defaults
	v.SetDefault("runtime.serverUrl", "ws://localhost:8080/api/v1/runtime/ws")
	v.SetDefault("runtime.spaceId", "")
	v.SetDefault("runtime.name", defaultRuntimeName())
	v.SetDefault("runtime.runtimeId", "")
	v.SetDefault("runtime.credential", "")
	v.SetDefault("runtime.workspacePath", ".")
	v.SetDefault("runtime.heartbeatSeconds", 15)

	// Engine defaults
	v.SetDefault("engine.default", "claude-sdk")
	v.SetDefault("engine.binaries", map[string]string{})
	v.SetDefault("engine.initTimeout", 30)
	v.SetDefault("engine.rewriteHostUrls", false)
	v.SetDefault("engine.hostAlias", "host.docker.internal")

	// Lifecycle defaults
	v.SetDefault("lifecycle.checkinTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

func defaultRuntimeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "runtime"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TYMBAL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/tymbal/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TYMBAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys where AutomaticEnv cannot
	// derive the SNAKE_CASE form.
	_ = v.BindEnv("runtime.serverUrl", "TYMBAL_RUNTIME_SERVER_URL")
	_ = v.BindEnv("runtime.spaceId", "TYMBAL_RUNTIME_SPACE_ID")
	_ = v.BindEnv("runtime.runtimeId", "TYMBAL_RUNTIME_RUNTIME_ID")
	_ = v.BindEnv("runtime.credential", "TYMBAL_RUNTIME_CREDENTIAL")
	_ = v.BindEnv("engine.hostAlias", "TYMBAL_ENGINE_HOST_ALIAS")
	_ = v.BindEnv("hub.maxFrameBytes", "TYMBAL_HUB_MAX_FRAME_BYTES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tymbal/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Hub.MaxFrameBytes < 64*1024 {
		errs = append(errs, "hub.maxFrameBytes must be at least 65536")
	}
	if cfg.Hub.PingSeconds <= 0 {
		errs = append(errs, "hub.pingSeconds must be positive")
	}
	if cfg.Lifecycle.CheckinTimeout <= 0 {
		errs = append(errs, "lifecycle.checkinTimeout must be positive")
	}

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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
