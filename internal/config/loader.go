package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. CONDUCTOR_LOGGING_LEVEL.
	EnvPrefix = "CONDUCTOR"

	defaultDirName  = ".conductor"
	defaultFileName = "conductor.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	// Missing file means defaults
	if _, err := os.Stat(configPath); err == nil {
		v := newViper(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Configured agents replace the default one instead of merging into it
		if v.IsSet("agents") {
			cfg.Agents = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := applyPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("providers", cfg.Providers)
	v.Set("agents", cfg.Agents)
	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("retry", cfg.Retry)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("history", cfg.History)
	v.Set("cache", cfg.Cache)
	v.Set("checkpoint", cfg.Checkpoint)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyPaths fills in the data directory and the paths derived from it.
func applyPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}

	if cfg.Checkpoint.Sink == "sqlite" && cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = filepath.Join(cfg.DataDir, "checkpoints.db")
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
