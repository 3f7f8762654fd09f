package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecentFile is the file name of the recently-touched cache.
const RecentFile = "recent.json"

// Hint is the most recent screening target, used as the lowest-priority
// source when a job record must be rebuilt from a remote batch.
type Hint struct {
	ParentIdentifier string    `json:"parent_identifier"`
	SubfolderName    string    `json:"subfolder_name,omitempty"`
	Topic            string    `json:"topic,omitempty"`
	TouchedAt        time.Time `json:"touched_at"`
}

// Recent persists the last Hint to a JSON file.
type Recent struct {
	mu   sync.Mutex
	path string
}

// NewRecent returns a Recent stored in dir.
func NewRecent(dir string) *Recent {
	return &Recent{path: filepath.Join(dir, RecentFile)}
}

// Touch records h as the most recent target.
func (r *Recent) Touch(h Hint) error {
	if h.TouchedAt.IsZero() {
		h.TouchedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recent hint: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create recent dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write recent hint: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Hint returns the last recorded target, or false when none exists.
func (r *Recent) Hint() (Hint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Hint{}, false
	}
	var h Hint
	if err := json.Unmarshal(data, &h); err != nil {
		return Hint{}, false
	}
	return h, h.ParentIdentifier != "" || h.Topic != ""
}

// Clear removes the hint file.
func (r *Recent) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
