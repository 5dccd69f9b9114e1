package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "LOCSYNC",
	}
}

// Path returns the config file that was loaded, if any.
func (l *Loader) Path() string {
	return l.configPath
}

// Load reads configuration from defaults, file and environment, in that
// order of precedence from lowest to highest.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Start with defaults
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	// Load from file if exists
	if l.configPath != "" {
		if err := l.loadFile(v); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		// Try default locations
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(v); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Sync.OrderDirection = strings.ToUpper(cfg.Sync.OrderDirection)
	cfg.API.WriteMethod = strings.ToUpper(cfg.API.WriteMethod)

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"locsync.json",
		"locsync.yaml",
		".locsync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "locsync", "config.json"),
			filepath.Join(homeDir, ".config", "locsync", "config.yaml"),
			filepath.Join(homeDir, ".locsync", "config.json"),
		)
	}

	return paths
}

// loadFile merges a JSON or YAML file over the defaults.
func (l *Loader) loadFile(v *viper.Viper) error {
	v.SetConfigFile(l.configPath)
	if err := v.MergeInConfig(); err != nil {
		return err
	}
	return nil
}

// setDefaults registers every leaf key of cfg so that environment overrides
// apply to keys the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}

	flattenDefaults(v, "", tree)
	return nil
}

func flattenDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flattenDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
