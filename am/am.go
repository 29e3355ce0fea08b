// Package am holds tenantpulse configuration ("I am"): the struct the daemon
// runs from, defaults, file/env loading through viper, validation, and a
// file watcher for hot reload.
package am

import "time"

// Config represents the tenantpulse configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Pulse      PulseConfig      `mapstructure:"pulse"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// DatabaseConfig configures the single-tenant database
type DatabaseConfig struct {
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"` // sqlite3 (default) or pgx
	DSN    string `mapstructure:"dsn"`    // used when driver = pgx
}

// Queue backends
const (
	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"
)

// PulseConfig configures the per-tenant job engines
type PulseConfig struct {
	Worker         bool   `mapstructure:"worker"`           // bind workers (false = submit only)
	PollIntervalMS int    `mapstructure:"poll_interval_ms"` // queue poll interval
	BatchSize      int    `mapstructure:"batch_size"`       // jobs delivered per handler call
	QueueBackend   string `mapstructure:"queue_backend"`    // sql or redis
	RetentionDays  int    `mapstructure:"retention_days"`   // 0 = keep forever
	CleanupCron    string `mapstructure:"cleanup_cron"`     // schedule for execution-cleanup
}

// Scheduler modes
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// SchedulerConfig configures the tenant scheduler cache
type SchedulerConfig struct {
	Mode                    string  `mapstructure:"mode"`
	MaxSchedulers           int     `mapstructure:"max_schedulers"`
	TTLMinutes              int     `mapstructure:"ttl_minutes"`
	EvictionIntervalSeconds int     `mapstructure:"eviction_interval_seconds"`
	InitRate                float64 `mapstructure:"init_rate"`     // initializations per second, 0 = unlimited
	RegistryRate            float64 `mapstructure:"registry_rate"` // self-heal registry calls per second, 0 = unlimited
	DataDir                 string  `mapstructure:"data_dir"`      // sqlite tenant databases live here
}

// TTL returns the configured idle TTL
func (s SchedulerConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// EvictionInterval returns how often expired schedulers are swept
func (s SchedulerConfig) EvictionInterval() time.Duration {
	return time.Duration(s.EvictionIntervalSeconds) * time.Second
}

// RegistryConfig configures the postgres tenant registry
type RegistryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the redis queue backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EncryptionConfig holds the key used to decrypt tenant database passwords
type EncryptionConfig struct {
	Key string `mapstructure:"key"` // 64 hex chars
}

// TracingConfig configures OpenTelemetry
type TracingConfig struct {
	Exporter string `mapstructure:"exporter"` // none or stdout
}

// PollInterval returns the queue poll interval
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}
