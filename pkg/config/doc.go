// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	FEDGATE_HOST="0.0.0.0"
//	FEDGATE_PORT="8080"
//	FEDGATE_HEALTH_PORT="9090"
//	FEDGATE_READ_TIMEOUT="15s"
//	FEDGATE_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	FEDGATE_DATABASE_URL="postgres://localhost/fedgate"
//	FEDGATE_DB_MAX_OPEN_CONNS="25"
//	FEDGATE_DB_CONN_MAX_LIFETIME="30m"
//
// Login state store settings:
//
//	FEDGATE_STATE_BACKEND="memory"  # memory, redis
//	FEDGATE_STATE_REDIS_URL="redis://localhost:6379"
//	FEDGATE_STATE_MAX_AGE="10m"
//
// Directory sync settings:
//
//	FEDGATE_SYNC_SCHEDULER_INTERVAL="1m"
//	FEDGATE_SYNC_REPORT_BUCKET="fedgate-reports"
//	FEDGATE_SYNC_REPORT_REGION="us-east-1"
//
// Role mapping settings:
//
//	FEDGATE_ROLE_BUNDLE_PATH="/etc/fedgate/presets.yaml"
//
// Observability settings:
//
//	FEDGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	FEDGATE_METRICS_ENABLED="true"
//	FEDGATE_OTEL_ENABLED="true"
//	FEDGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("State backend: %s\n", cfg.State.Backend)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/statestore: Uses state store configuration
//   - pkg/observability: Uses observability configuration
package config
