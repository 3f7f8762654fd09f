package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// searchDir is added to the config search path when cfgFile is empty.
func NewManager(cfgFile, searchDir string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, searchDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile, searchDir string) error {
	setDefaults(cm.v, DefaultConfig())

	// Environment variables with SCREENER_ prefix
	cm.v.SetEnvPrefix("SCREENER")
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if searchDir != "" {
			cm.v.AddConfigPath(searchDir)
		}
		cm.v.AddConfigPath("$HOME/.screener")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults registers every leaf key so file values merge per field.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("openai.endpoint", d.OpenAI.Endpoint)
	v.SetDefault("openai.timeout_seconds", d.OpenAI.TimeoutSeconds)
	v.SetDefault("openai.max_retries", d.OpenAI.MaxRetries)

	v.SetDefault("library.base_url", d.Library.BaseURL)
	v.SetDefault("library.user_id", d.Library.UserID)
	v.SetDefault("library.api_key", d.Library.APIKey)
	v.SetDefault("library.timeout_seconds", d.Library.TimeoutSeconds)
	v.SetDefault("library.max_retries", d.Library.MaxRetries)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.timeout_seconds", d.Worker.TimeoutSeconds)
	v.SetDefault("worker.chunk_size", d.Worker.ChunkSize)

	v.SetDefault("reconcile.interval_seconds", d.Reconcile.IntervalSeconds)
	v.SetDefault("reconcile.list_timeout_seconds", d.Reconcile.ListTimeoutSeconds)
	v.SetDefault("reconcile.download_timeout_seconds", d.Reconcile.DownloadTimeoutSeconds)
	v.SetDefault("reconcile.finalize_timeout_minutes", d.Reconcile.FinalizeTimeoutMinutes)
	v.SetDefault("reconcile.stale_after_seconds", d.Reconcile.StaleAfterSeconds)
	v.SetDefault("reconcile.retention_hours", d.Reconcile.RetentionHours)
	v.SetDefault("reconcile.list_limit", d.Reconcile.ListLimit)

	v.SetDefault("jobs.max_persisted", d.Jobs.MaxPersisted)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("defaults.threshold", d.Defaults.Threshold)
	v.SetDefault("defaults.max_items", d.Defaults.MaxItems)
	v.SetDefault("defaults.mode", d.Defaults.Mode)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Screener configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx ZOTERO_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
