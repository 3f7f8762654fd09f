package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OpenAI.APIKey != "${OPENAI_API_KEY}" {
		t.Errorf("expected openai api key placeholder, got %s", cfg.OpenAI.APIKey)
	}
	if cfg.Reconcile.ListTimeoutSeconds != 20 {
		t.Errorf("expected list timeout 20, got %d", cfg.Reconcile.ListTimeoutSeconds)
	}
	if cfg.Reconcile.DownloadTimeoutSeconds != 35 {
		t.Errorf("expected download timeout 35, got %d", cfg.Reconcile.DownloadTimeoutSeconds)
	}
	if cfg.Reconcile.FinalizeTimeoutMinutes != 20 {
		t.Errorf("expected finalize timeout 20, got %d", cfg.Reconcile.FinalizeTimeoutMinutes)
	}
	if cfg.Reconcile.StaleAfterSeconds != 120 {
		t.Errorf("expected stale threshold 120, got %d", cfg.Reconcile.StaleAfterSeconds)
	}
	if cfg.Reconcile.RetentionHours != 72 {
		t.Errorf("expected retention 72h, got %d", cfg.Reconcile.RetentionHours)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestSeconds(t *testing.T) {
	if got := Seconds(0, 5*time.Second); got != 5*time.Second {
		t.Errorf("expected fallback, got %v", got)
	}
	if got := Seconds(20, time.Second); got != 20*time.Second {
		t.Errorf("expected 20s, got %v", got)
	}
}

func TestLogCfg_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogCfg{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file and keeps defaults for unset fields", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		configContent := `
openai:
  model: "gpt-4.1"
reconcile:
  interval_seconds: 5
`
		if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		mgr, err := NewManager(configFile, "")
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.OpenAI.Model != "gpt-4.1" {
			t.Errorf("expected gpt-4.1, got %s", cfg.OpenAI.Model)
		}
		if cfg.OpenAI.Endpoint != "/v1/chat/completions" {
			t.Errorf("expected default endpoint, got %s", cfg.OpenAI.Endpoint)
		}
		if cfg.Reconcile.IntervalSeconds != 5 {
			t.Errorf("expected interval 5, got %d", cfg.Reconcile.IntervalSeconds)
		}
		if cfg.Reconcile.StaleAfterSeconds != 120 {
			t.Errorf("expected default stale threshold, got %d", cfg.Reconcile.StaleAfterSeconds)
		}
	})

	t.Run("missing search dir falls back to defaults", func(t *testing.T) {
		mgr, err := NewManager("", t.TempDir())
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Defaults.Threshold != 0.6 {
			t.Errorf("expected default threshold 0.6, got %v", mgr.Get().Defaults.Threshold)
		}
	})
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager("", t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_WatchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configFile, []byte("reconcile:\n  interval_seconds: 10\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	mgr, err := NewManager(configFile, "")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Reconcile.IntervalSeconds))
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("reconcile:\n  interval_seconds: 45\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if callbackCount.Load() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Reconcile.IntervalSeconds; got != 45 {
		t.Errorf("config not updated: expected 45, got %d", got)
	}
	if v := lastValue.Load(); v != 45 {
		t.Errorf("callback received wrong value: expected 45, got %d", v)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Screener configuration") {
		t.Error("expected header comment")
	}

	mgr, err := NewManager(path, "")
	if err != nil {
		t.Fatalf("reload written defaults: %v", err)
	}
	if mgr.Get().Worker.ChunkSize != 20 {
		t.Errorf("expected chunk size 20, got %d", mgr.Get().Worker.ChunkSize)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job completed", "job_id", "job-000001")

	if strings.Contains(stderr.String(), "hidden") {
		t.Error("debug line should be filtered")
	}
	if !strings.Contains(stderr.String(), "job_id=job-000001") {
		t.Errorf("expected text attr on stderr, got %q", stderr.String())
	}
	if !strings.Contains(file.String(), `"job_id":"job-000001"`) {
		t.Errorf("expected JSON attr in file, got %q", file.String())
	}
}
