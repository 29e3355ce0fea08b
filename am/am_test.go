package am

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "tenantpulse.db", cfg.Database.Path)
	assert.Equal(t, ModeSingle, cfg.Scheduler.Mode)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.TTL())
	assert.Equal(t, 100, cfg.Scheduler.MaxSchedulers)
	assert.Equal(t, 2*time.Second, cfg.Pulse.PollInterval())
	assert.True(t, cfg.Pulse.Worker)
	assert.Equal(t, QueueBackendSQL, cfg.Pulse.QueueBackend)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Scheduler.Mode = "sideways" },
			wantErr: "scheduler.mode",
		},
		{
			name:    "multi mode needs a registry",
			mutate:  func(c *Config) { c.Scheduler.Mode = ModeMulti },
			wantErr: "registry.dsn",
		},
		{
			name: "multi mode needs a hex key",
			mutate: func(c *Config) {
				c.Scheduler.Mode = ModeMulti
				c.Registry.DSN = "postgres://registry"
				c.Encryption.Key = strings.Repeat("z", 64)
			},
			wantErr: "not valid hex",
		},
		{
			name: "multi mode complete",
			mutate: func(c *Config) {
				c.Scheduler.Mode = ModeMulti
				c.Registry.DSN = "postgres://registry"
				c.Encryption.Key = strings.Repeat("ab", 32)
			},
		},
		{
			name:    "zero ttl is invalid",
			mutate:  func(c *Config) { c.Scheduler.TTLMinutes = 0 },
			wantErr: "scheduler.ttl_minutes",
		},
		{
			name:    "bad cleanup cron",
			mutate:  func(c *Config) { c.Pulse.CleanupCron = "every tuesday" },
			wantErr: "pulse.cleanup_cron",
		},
		{
			name: "bad cron ignored when retention disabled",
			mutate: func(c *Config) {
				c.Pulse.RetentionDays = 0
				c.Pulse.CleanupCron = "every tuesday"
			},
		},
		{
			name:    "unknown queue backend",
			mutate:  func(c *Config) { c.Pulse.QueueBackend = "carrier-pigeon" },
			wantErr: "pulse.queue_backend",
		},
		{
			name:    "pgx database without dsn",
			mutate:  func(c *Config) { c.Database.Driver = "pgx" },
			wantErr: "database.dsn",
		},
		{
			name:    "unknown tracing exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "tracing.exporter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[scheduler]
mode = "multi"
max_schedulers = 2
ttl_minutes = 5

[pulse]
queue_backend = "redis"
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeMulti, cfg.Scheduler.Mode)
	assert.Equal(t, 2, cfg.Scheduler.MaxSchedulers)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TTL())
	assert.Equal(t, QueueBackendRedis, cfg.Pulse.QueueBackend)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.Scheduler.EvictionIntervalSeconds)
}

func TestLoadWithExplicitPathAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nmax_schedulers = 7\n"), 0o644))

	t.Setenv("TENANTPULSE_REGISTRY_DSN", "postgres://secret@registry/db")
	SetConfigPath(path)
	t.Cleanup(func() { SetConfigPath("") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxSchedulers)
	assert.Equal(t, "postgres://secret@registry/db", cfg.Registry.DSN)
	assert.Equal(t, []string{path}, LoadedFiles())

	settings := Settings()
	registry, ok := settings["registry"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "***", registry["dsn"])
}

func TestRedact(t *testing.T) {
	out := Redact(map[string]interface{}{
		"encryption": map[string]interface{}{"key": "abcd"},
		"redis":      map[string]interface{}{"password": "", "addr": "localhost:6379"},
	})

	assert.Equal(t, "***", out["encryption"].(map[string]interface{})["key"])
	redis := out["redis"].(map[string]interface{})
	assert.Equal(t, "", redis["password"], "empty secrets stay empty")
	assert.Equal(t, "localhost:6379", redis["addr"])
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	cfg := defaultConfig(t)
	cfg.Scheduler.MaxSchedulers = 12
	cfg.Encryption.Key = "never-written"

	require.NoError(t, WriteConfig(path, cfg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "never-written")

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.Scheduler.MaxSchedulers)

	// second write rotates the first into .back1
	cfg.Scheduler.MaxSchedulers = 13
	require.NoError(t, WriteConfig(path, cfg))
	backup, err := LoadFromFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, 12, backup.Scheduler.MaxSchedulers)
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nmax_schedulers = 3\n"), 0o644))

	cw, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan int, 4)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg.Scheduler.MaxSchedulers
		return nil
	})
	cw.Start()
	t.Cleanup(func() { _ = cw.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nmax_schedulers = 9\n"), 0o644))

	select {
	case got := <-reloaded:
		assert.Equal(t, 9, got)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher never reloaded")
	}
}
