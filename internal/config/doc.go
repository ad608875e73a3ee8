// Package config handles configuration loading for toolgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by file extension)
// with environment variable expansion. Missing values fall back to defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	secrets:
//	  key: "${TOOLGATE_SECRET_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	remote:
//	  timeout: "30s"
//	  retry_delay_base: "1s"
//	scheduler:
//	  health_interval: "5m"
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  driver: "sqlite"                  # sqlite, postgres
//	  path: "/var/lib/toolgate/toolgate.db"
//	  dsn: "${DATABASE_URL}"            # postgres only
//
// Remote tool servers:
//
//	remote:
//	  timeout: "30s"
//	  max_retries: 3
//	  retry_delay_base: "1s"
//	  circuit_breaker_threshold: 5
//	  restart_pause: "1s"
//	  usage_queue_size: 1024
//	  default_max_failures: 3
//
// Reconciliation:
//
//	scheduler:
//	  health_interval: "300s"
//	  update_interval: "3600s"
//	  cleanup_interval: "86400s"
//	  cleanup_schedule: "0 3 * * *"     # optional cron expression
//	  retention_days: 90
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
