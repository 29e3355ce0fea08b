package am

import (
	"encoding/hex"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tenantpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite3":
	case "pgx":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required when database.driver = pgx")
		}
	default:
		return errors.Newf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}

	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.BatchSize <= 0 {
		return errors.Newf("pulse.batch_size must be > 0, got %d", c.Pulse.BatchSize)
	}
	switch c.Pulse.QueueBackend {
	case QueueBackendSQL:
	case QueueBackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty when pulse.queue_backend = redis")
		}
	default:
		return errors.Newf("pulse.queue_backend must be sql or redis, got %q", c.Pulse.QueueBackend)
	}
	// Retention: 0 = keep forever, negative = invalid
	if c.Pulse.RetentionDays < 0 {
		return errors.Newf("pulse.retention_days must be >= 0, got %d", c.Pulse.RetentionDays)
	}
	if c.Pulse.RetentionDays > 0 {
		if _, err := cron.ParseStandard(c.Pulse.CleanupCron); err != nil {
			return errors.Wrapf(err, "pulse.cleanup_cron %q is not a valid cron expression", c.Pulse.CleanupCron)
		}
	}

	switch c.Scheduler.Mode {
	case ModeSingle:
	case ModeMulti:
		if c.Registry.DSN == "" {
			return errors.New("registry.dsn is required in multi-tenant mode")
		}
		if len(c.Encryption.Key) != 64 {
			return errors.Newf("encryption.key must be 64 hex characters, got %d", len(c.Encryption.Key))
		}
		if _, err := hex.DecodeString(c.Encryption.Key); err != nil {
			return errors.Wrap(err, "encryption.key is not valid hex")
		}
	default:
		return errors.Newf("scheduler.mode must be single or multi, got %q", c.Scheduler.Mode)
	}
	if c.Scheduler.MaxSchedulers <= 0 {
		return errors.Newf("scheduler.max_schedulers must be > 0, got %d", c.Scheduler.MaxSchedulers)
	}
	if c.Scheduler.TTLMinutes <= 0 {
		return errors.Newf("scheduler.ttl_minutes must be > 0, got %d", c.Scheduler.TTLMinutes)
	}
	if c.Scheduler.EvictionIntervalSeconds < 0 {
		return errors.Newf("scheduler.eviction_interval_seconds must be >= 0, got %d", c.Scheduler.EvictionIntervalSeconds)
	}
	if c.Scheduler.InitRate < 0 || c.Scheduler.RegistryRate < 0 {
		return errors.New("scheduler rates must be >= 0")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return errors.Newf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}

	return nil
}
