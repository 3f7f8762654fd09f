package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-screener")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-screener" {
			t.Errorf("expected path /tmp/test-screener, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-screener")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"StatePath", dir.StatePath(), "/tmp/test-screener/state"},
		{"BatchesPath", dir.BatchesPath(), "/tmp/test-screener/batches"},
		{"BatchDir", dir.BatchDir("batch_abc"), "/tmp/test-screener/batches/batch_abc"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-screener/config.yaml"},
		{"LogPath", dir.LogPath(), "/tmp/test-screener/screener.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "screener-home")
	dir, _ := New(root)

	if dir.Exists() {
		t.Fatal("expected directory to not exist yet")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if !dir.Exists() {
		t.Error("expected directory to exist")
	}
	for _, p := range []string{dir.StatePath(), dir.BatchesPath()} {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", p)
		}
	}
	if dir.ConfigExists() {
		t.Error("expected no config file")
	}
}
