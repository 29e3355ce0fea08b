package am

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/teranos/tenantpulse/errors"
)

// file mirrors Config with toml keys for writing starter config files
type file struct {
	Database struct {
		Path   string `toml:"path"`
		Driver string `toml:"driver"`
	} `toml:"database"`
	Pulse struct {
		Worker         bool   `toml:"worker"`
		PollIntervalMS int    `toml:"poll_interval_ms"`
		BatchSize      int    `toml:"batch_size"`
		QueueBackend   string `toml:"queue_backend"`
		RetentionDays  int    `toml:"retention_days"`
		CleanupCron    string `toml:"cleanup_cron"`
	} `toml:"pulse"`
	Scheduler struct {
		Mode                    string  `toml:"mode"`
		MaxSchedulers           int     `toml:"max_schedulers"`
		TTLMinutes              int     `toml:"ttl_minutes"`
		EvictionIntervalSeconds int     `toml:"eviction_interval_seconds"`
		InitRate                float64 `toml:"init_rate"`
		RegistryRate            float64 `toml:"registry_rate"`
		DataDir                 string  `toml:"data_dir"`
	} `toml:"scheduler"`
	Tracing struct {
		Exporter string `toml:"exporter"`
	} `toml:"tracing"`
}

// EncodeTOML renders the non-secret parts of cfg as an am.toml document.
func EncodeTOML(cfg *Config) ([]byte, error) {
	var f file
	f.Database.Path = cfg.Database.Path
	f.Database.Driver = cfg.Database.Driver
	f.Pulse.Worker = cfg.Pulse.Worker
	f.Pulse.PollIntervalMS = cfg.Pulse.PollIntervalMS
	f.Pulse.BatchSize = cfg.Pulse.BatchSize
	f.Pulse.QueueBackend = cfg.Pulse.QueueBackend
	f.Pulse.RetentionDays = cfg.Pulse.RetentionDays
	f.Pulse.CleanupCron = cfg.Pulse.CleanupCron
	f.Scheduler.Mode = cfg.Scheduler.Mode
	f.Scheduler.MaxSchedulers = cfg.Scheduler.MaxSchedulers
	f.Scheduler.TTLMinutes = cfg.Scheduler.TTLMinutes
	f.Scheduler.EvictionIntervalSeconds = cfg.Scheduler.EvictionIntervalSeconds
	f.Scheduler.InitRate = cfg.Scheduler.InitRate
	f.Scheduler.RegistryRate = cfg.Scheduler.RegistryRate
	f.Scheduler.DataDir = cfg.Scheduler.DataDir
	f.Tracing.Exporter = cfg.Tracing.Exporter

	var buf bytes.Buffer
	buf.WriteString("# tenantpulse configuration\n# secrets (registry.dsn, encryption.key, redis.password) belong in TENANTPULSE_* env vars\n\n")
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	return buf.Bytes(), nil
}

// WriteConfig writes cfg to path, keeping the previous file as path.back1.
func WriteConfig(path string, cfg *Config) error {
	data, err := EncodeTOML(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create config directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config %s", path)
	}
	return nil
}

// createBackup rotates path into path.back1 (one generation) before a write
func createBackup(path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(path+".back1", content, 0o644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
