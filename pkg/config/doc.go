// Package config loads and validates configuration from BASTION_*
// environment variables.
//
// Server settings:
//
//	BASTION_SERVER_HOST="0.0.0.0"
//	BASTION_SERVER_PORT="8080"
//	BASTION_SERVER_HEALTH_PORT="9090"
//
// Role store:
//
//	BASTION_DATABASE_DRIVER="postgres"  # postgres, sqlite, memory
//	BASTION_DATABASE_DSN="postgres://localhost/bastion"
//	BASTION_REDIS_URL="redis://localhost:6379/0"
//
// Decision engine:
//
//	BASTION_RBAC_CACHE_TTL="30s"
//	BASTION_RBAC_SEED_PATH="/etc/bastion/seed.yaml"
//	BASTION_RBAC_WATCH_SEED="true"
//	BASTION_RBAC_SWEEP_SCHEDULE="0 * * * *"
//
// Observability:
//
//	BASTION_OBS_LOG_LEVEL="info"  # debug, info, warn, error
//	BASTION_OBS_LOG_FORMAT="json" # json, text
//	BASTION_OBS_OTEL_ENABLED="true"
//	BASTION_OBS_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	manager := rbac.NewManager(db, cfg.RBACManagerConfig(), deps)
package config
