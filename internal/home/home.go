package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the screener home directory.
	DefaultDirName = ".screener"

	// StateDirName holds the job snapshot and side tables.
	StateDirName = "state"

	// BatchesDirName holds cached batch inputs and outputs.
	BatchesDirName = "batches"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// LogFileName is the JSON log written alongside stderr output.
	LogFileName = "screener.log"
)

// Dir represents the screener home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.screener).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// StatePath returns the directory holding jobs.json, batch_links.json and purged_batches.json.
func (d *Dir) StatePath() string {
	return filepath.Join(d.path, StateDirName)
}

// BatchesPath returns the root of the local batch cache.
func (d *Dir) BatchesPath() string {
	return filepath.Join(d.path, BatchesDirName)
}

// BatchDir returns the cache directory for one batch.
func (d *Dir) BatchDir(batchID string) string {
	return filepath.Join(d.BatchesPath(), batchID)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// LogPath returns the path to the JSON log file.
func (d *Dir) LogPath() string {
	return filepath.Join(d.path, LogFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.StatePath(), d.BatchesPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
