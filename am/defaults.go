package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultDirPermissions is used for ~/.tenantpulse and tenant data directories
const DefaultDirPermissions = 0o755

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "tenantpulse.db")
	v.SetDefault("database.driver", "sqlite3")

	v.SetDefault("pulse.worker", true)
	v.SetDefault("pulse.poll_interval_ms", 2000)
	v.SetDefault("pulse.batch_size", 1)
	v.SetDefault("pulse.queue_backend", QueueBackendSQL)
	v.SetDefault("pulse.retention_days", 30)
	v.SetDefault("pulse.cleanup_cron", "0 3 * * *")

	v.SetDefault("scheduler.mode", ModeSingle)
	v.SetDefault("scheduler.max_schedulers", 100)
	v.SetDefault("scheduler.ttl_minutes", 30)
	v.SetDefault("scheduler.eviction_interval_seconds", 60)
	v.SetDefault("scheduler.init_rate", 0)
	v.SetDefault("scheduler.registry_rate", 20)
	v.SetDefault("scheduler.data_dir", "tenants")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tracing.exporter", "none")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("registry.dsn", "TENANTPULSE_REGISTRY_DSN")
	_ = v.BindEnv("encryption.key", "TENANTPULSE_ENCRYPTION_KEY")
	_ = v.BindEnv("redis.password", "TENANTPULSE_REDIS_PASSWORD")
	_ = v.BindEnv("database.dsn", "TENANTPULSE_DATABASE_DSN")
}

// sensitiveKeys are redacted by Redact
var sensitiveKeys = map[string]bool{
	"registry.dsn":   true,
	"encryption.key": true,
	"redis.password": true,
	"database.dsn":   true,
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "tenantpulse.db"
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {Mode: %s, Max: %d}, Pulse: {Backend: %s}}",
		c.GetDatabasePath(), c.Scheduler.Mode, c.Scheduler.MaxSchedulers, c.Pulse.QueueBackend)
}
