package config

import (
	"log/slog"
	"strings"
	"time"
)

// Config holds screener configuration.
// Stored at: {home}/config.yaml
type Config struct {
	OpenAI    OpenAICfg    `mapstructure:"openai" yaml:"openai"`
	Library   LibraryCfg   `mapstructure:"library" yaml:"library"`
	Worker    WorkerCfg    `mapstructure:"worker" yaml:"worker"`
	Reconcile ReconcileCfg `mapstructure:"reconcile" yaml:"reconcile"`
	Jobs      JobsCfg      `mapstructure:"jobs" yaml:"jobs"`
	Defaults  DefaultsCfg  `mapstructure:"defaults" yaml:"defaults"`
	Log       LogCfg       `mapstructure:"log" yaml:"log"`
	Server    ServerCfg    `mapstructure:"server" yaml:"server"`
}

// OpenAICfg configures the batch API client.
type OpenAICfg struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`   // Supports ${ENV_VAR} syntax
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"` // Optional override
	Model          string `mapstructure:"model" yaml:"model"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"` // "/v1/chat/completions" or "/v1/responses"
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// LibraryCfg configures the reference library API.
type LibraryCfg struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	UserID         string `mapstructure:"user_id" yaml:"user_id"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"` // Supports ${ENV_VAR} syntax
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// WorkerCfg configures the classification subprocess.
type WorkerCfg struct {
	Command        string   `mapstructure:"command" yaml:"command"`
	Args           []string `mapstructure:"args" yaml:"args"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	ChunkSize      int      `mapstructure:"chunk_size" yaml:"chunk_size"` // Items per request
}

// ReconcileCfg configures the batch reconciliation loop.
type ReconcileCfg struct {
	IntervalSeconds        int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	ListTimeoutSeconds     int `mapstructure:"list_timeout_seconds" yaml:"list_timeout_seconds"`
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds" yaml:"download_timeout_seconds"`
	FinalizeTimeoutMinutes int `mapstructure:"finalize_timeout_minutes" yaml:"finalize_timeout_minutes"`
	StaleAfterSeconds      int `mapstructure:"stale_after_seconds" yaml:"stale_after_seconds"`
	RetentionHours         int `mapstructure:"retention_hours" yaml:"retention_hours"`
	ListLimit              int `mapstructure:"list_limit" yaml:"list_limit"`
}

// JobsCfg configures the job snapshot.
type JobsCfg struct {
	MaxPersisted int `mapstructure:"max_persisted" yaml:"max_persisted"` // Last N jobs kept on disk
}

// DefaultsCfg holds workflow defaults applied when a request omits them.
type DefaultsCfg struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	MaxItems  int     `mapstructure:"max_items" yaml:"max_items"`
	Mode      string  `mapstructure:"mode" yaml:"mode"` // "batch" or "local"
}

// LogCfg configures logging.
type LogCfg struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
	File  string `mapstructure:"file" yaml:"file"`   // Empty = {home}/screener.log
}

// ServerCfg configures the HTTP API.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OpenAI: OpenAICfg{
			APIKey:         "${OPENAI_API_KEY}",
			Model:          "gpt-4.1-mini",
			Endpoint:       "/v1/chat/completions",
			TimeoutSeconds: 60,
			MaxRetries:     2,
		},
		Library: LibraryCfg{
			BaseURL:        "https://api.zotero.org",
			APIKey:         "${ZOTERO_API_KEY}",
			TimeoutSeconds: 30,
			MaxRetries:     4,
		},
		Worker: WorkerCfg{
			Command:        "python3",
			Args:           []string{"-m", "screener_worker"},
			TimeoutSeconds: 600,
			ChunkSize:      20,
		},
		Reconcile: ReconcileCfg{
			IntervalSeconds:        30,
			ListTimeoutSeconds:     20,
			DownloadTimeoutSeconds: 35,
			FinalizeTimeoutMinutes: 20,
			StaleAfterSeconds:      120,
			RetentionHours:         72,
			ListLimit:              100,
		},
		Jobs: JobsCfg{
			MaxPersisted: 200,
		},
		Defaults: DefaultsCfg{
			Threshold: 0.6,
			MaxItems:  500,
			Mode:      "batch",
		},
		Log: LogCfg{
			Level: "info",
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8420",
		},
	}
}

// Seconds converts a config integer to a duration, falling back when unset.
func Seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// SlogLevel parses the configured level name.
func (l LogCfg) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
