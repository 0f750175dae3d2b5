package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/quire/errors"
)

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file layer last set each key during loading
	ConfigSources = map[string]SourceInfo{}
)

// systemConfigPath is a variable so tests can point it at a temp dir
var systemConfigPath = filepath.Join("/etc", "quire", ConfigFileName)

// Load reads the quire configuration using Viper. The result is cached
// until Reset.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
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

// LoadFromFile loads configuration from a specific file path on top of the
// defaults, ignoring the other layers and the environment.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetail(err, "file: "+configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing and hot reload)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold loadMu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// system -> user -> project; env vars still win over all of them
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// configLayer is one file in the merge order.
type configLayer struct {
	source ConfigSource
	path   string
}

// UserConfigPath returns ~/.quire/quire.toml, or "" if there is no home directory.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".quire", ConfigFileName)
}

// configLayers lists the candidate files lowest precedence first.
func configLayers() []configLayer {
	layers := []configLayer{{SourceSystem, systemConfigPath}}
	if user := UserConfigPath(); user != "" {
		layers = append(layers, configLayer{SourceUser, user})
	}
	if project := findProjectConfig(); project != "" {
		layers = append(layers, configLayer{SourceProject, project})
	}
	return layers
}

// findProjectConfig walks up from the working directory and returns the
// first quire.toml found, or "".
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges each existing layer into v's config map, which
// viper ranks below the environment. Unreadable files are skipped.
func mergeConfigFiles(v *viper.Viper) {
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.path); err != nil {
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(layer.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}

		settings := fileViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		recordSources(settings, "", SourceInfo{Source: layer.source, Path: layer.path})
	}
}

func recordSources(settings map[string]interface{}, prefix string, info SourceInfo) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			recordSources(nested, fullKey, info)
			continue
		}
		ConfigSources[fullKey] = info
	}
}

// ActiveConfigFile returns the highest-precedence config file that exists,
// which is where the watcher listens. Empty when only defaults apply.
func ActiveConfigFile() string {
	layers := configLayers()
	for i := len(layers) - 1; i >= 0; i-- {
		if _, err := os.Stat(layers[i].path); err == nil {
			return layers[i].path
		}
	}
	return ""
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
