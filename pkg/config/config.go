package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/fedgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Login state store configuration
	State StateConfig

	// Directory sync configuration
	Sync SyncConfig

	// Role mapping configuration
	Roles RolesConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StateConfig selects and tunes the login state store. The redis backend is
// required when more than one instance serves callbacks.
type StateConfig struct {
	Backend       string // "memory" or "redis"
	RedisURL      string
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// SyncConfig holds directory sync engine settings
type SyncConfig struct {
	SchedulerInterval time.Duration

	// Report archival to S3. Archival is disabled when ReportBucket is empty.
	ReportBucket string
	ReportRegion string
	ReportPrefix string
}

// RolesConfig holds role mapping settings
type RolesConfig struct {
	// BundlePath points at a YAML file of extra mapping presets. Empty
	// disables file-backed presets; the built-in presets always apply.
	BundlePath string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		State:         loadStateConfig(),
		Sync:          loadSyncConfig(),
		Roles:         loadRolesConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("FEDGATE_HOST", "0.0.0.0"),
		Port:            getEnv("FEDGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("FEDGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("FEDGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("FEDGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("FEDGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("FEDGATE_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("FEDGATE_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("FEDGATE_DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvInt("FEDGATE_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("FEDGATE_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// loadStateConfig loads login state store configuration from environment
func loadStateConfig() StateConfig {
	return StateConfig{
		Backend:       strings.ToLower(getEnv("FEDGATE_STATE_BACKEND", "memory")),
		RedisURL:      getEnv("FEDGATE_STATE_REDIS_URL", ""),
		MaxAge:        getEnvDuration("FEDGATE_STATE_MAX_AGE", 10*time.Minute),
		SweepInterval: getEnvDuration("FEDGATE_STATE_SWEEP_INTERVAL", 5*time.Minute),
	}
}

// loadSyncConfig loads directory sync configuration from environment
func loadSyncConfig() SyncConfig {
	return SyncConfig{
		SchedulerInterval: getEnvDuration("FEDGATE_SYNC_SCHEDULER_INTERVAL", time.Minute),
		ReportBucket:      getEnv("FEDGATE_SYNC_REPORT_BUCKET", ""),
		ReportRegion:      getEnv("FEDGATE_SYNC_REPORT_REGION", "us-east-1"),
		ReportPrefix:      getEnv("FEDGATE_SYNC_REPORT_PREFIX", "sync-jobs"),
	}
}

// loadRolesConfig loads role mapping configuration from environment
func loadRolesConfig() RolesConfig {
	return RolesConfig{
		BundlePath: getEnv("FEDGATE_ROLE_BUNDLE_PATH", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("FEDGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("FEDGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("FEDGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("FEDGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("FEDGATE_OTEL_SERVICE_NAME", "fedgate"),
		OTelServiceVersion: getEnv("FEDGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("FEDGATE_OTEL_INSECURE", true),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	// Validate state store config
	switch c.State.Backend {
	case "memory":
	case "redis":
		if c.State.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis state backend")
		}
	default:
		return fmt.Errorf("invalid state backend: %s (must be memory or redis)", c.State.Backend)
	}
	if c.State.MaxAge <= 0 {
		return fmt.Errorf("state max age must be positive")
	}

	// Validate sync config
	if c.Sync.SchedulerInterval <= 0 {
		return fmt.Errorf("sync scheduler interval must be positive")
	}
	if c.Sync.ReportBucket != "" && c.Sync.ReportRegion == "" {
		return fmt.Errorf("report region is required when report bucket is set")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
