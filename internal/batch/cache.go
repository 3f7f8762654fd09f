package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackzampolin/screener/internal/classify"
)

const (
	outputFile   = "output.jsonl"
	manifestFile = "manifest.json"
)

// Manifest records what was submitted so finalization can recover the
// candidate text after a restart.
type Manifest struct {
	BatchID    string               `json:"batch_id"`
	JobID      string               `json:"job_id,omitempty"`
	Endpoint   string               `json:"endpoint"`
	Model      string               `json:"model"`
	Topic      string               `json:"topic"`
	Candidates []classify.Candidate `json:"candidates"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Candidate returns the submitted candidate for key.
func (m *Manifest) Candidate(key string) (classify.Candidate, bool) {
	for _, c := range m.Candidates {
		if c.Key == key {
			return c, true
		}
	}
	return classify.Candidate{}, false
}

// Cache stores batch inputs and outputs under dir/<batch id>/.
type Cache struct {
	dir string
}

// NewCache returns a Cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(id, name string) string {
	return filepath.Join(c.dir, filepath.Base(id), name)
}

// SaveManifest writes the manifest for m.BatchID.
func (c *Cache) SaveManifest(m *Manifest) error {
	if m.BatchID == "" {
		return fmt.Errorf("manifest without batch id")
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return c.write(m.BatchID, manifestFile, data)
}

// LoadManifest reads the manifest for id.
func (c *Cache) LoadManifest(id string) (*Manifest, error) {
	data, err := os.ReadFile(c.path(id, manifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", id, err)
	}
	return &m, nil
}

// SaveOutput stores downloaded output for id.
func (c *Cache) SaveOutput(id string, data []byte) error {
	return c.write(id, outputFile, data)
}

// LoadOutput returns cached output for id, or false when none exists.
func (c *Cache) LoadOutput(id string) ([]byte, bool) {
	data, err := os.ReadFile(c.path(id, outputFile))
	if err != nil {
		return nil, false
	}
	return data, true
}

// HasOutput reports whether output for id is cached.
func (c *Cache) HasOutput(id string) bool {
	_, err := os.Stat(c.path(id, outputFile))
	return err == nil
}

// Remove deletes everything cached for id.
func (c *Cache) Remove(id string) error {
	err := os.RemoveAll(filepath.Join(c.dir, filepath.Base(id)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Cache) write(id, name string, data []byte) error {
	dir := filepath.Join(c.dir, filepath.Base(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}
