package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/tenantpulse/errors"
)

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	explicitPath  string
	loadedFiles   []string
)

// SetConfigPath pins configuration to a single file (the --config flag).
// Must be called before Load.
func SetConfigPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	explicitPath = path
	globalConfig = nil
	viperInstance = nil
}

// Load reads the tenantpulse configuration using Viper
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, without env overrides
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// Reset clears the cached configuration (useful for testing and reloads)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	loadedFiles = nil
}

// LoadedFiles returns the config files merged by the last Load, lowest precedence first.
func LoadedFiles() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), loadedFiles...)
}

// initViper initializes Viper with configuration sources and defaults. Caller holds mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("TENANTPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)
	loadedFiles = mergeConfigFiles(v)

	viperInstance = v
	return v
}

// ConfigPaths returns the candidate config files, lowest precedence first.
func ConfigPaths() []string {
	mu.Lock()
	defer mu.Unlock()
	return configPaths()
}

func configPaths() []string {
	if explicitPath != "" {
		return []string{explicitPath}
	}
	paths := []string{"/etc/tenantpulse/am.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tenantpulse", "am.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// findProjectConfig searches for am.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges configuration files in precedence order: system < user < project < env
func mergeConfigFiles(v *viper.Viper) []string {
	var merged []string
	for _, configPath := range configPaths() {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		merged = append(merged, configPath)
	}
	return merged
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// Settings returns every resolved setting as a nested map, with sensitive
// values redacted.
func Settings() map[string]interface{} {
	return Redact(GetViper().AllSettings())
}

// Redact replaces sensitive values in a viper settings map with "***".
func Redact(settings map[string]interface{}) map[string]interface{} {
	return redact("", settings)
}

func redact(prefix string, m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch typed := val.(type) {
		case map[string]interface{}:
			out[k] = redact(key, typed)
		default:
			if sensitiveKeys[key] && val != "" {
				out[k] = "***"
			} else {
				out[k] = val
			}
		}
	}
	return out
}
