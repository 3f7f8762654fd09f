// Package library talks to the hierarchical reference library that screening
// results are written back into: collections nest under parent collections,
// items can be members of many collections and carry free-form tags.
package library

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a collection or item does not exist.
var ErrNotFound = errors.New("not found")

// Collection is a container in the library hierarchy.
type Collection struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	ParentKey string `json:"parent_key,omitempty"`
	Version   int    `json:"version,omitempty"`
}

// Item is a reference item.
type Item struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Abstract     string    `json:"abstract,omitempty"`
	Collections  []string  `json:"collections,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Version      int       `json:"version,omitempty"`
	DateModified time.Time `json:"date_modified,omitempty"`
}

// InCollection reports whether the item is a member of collectionKey.
func (i Item) InCollection(collectionKey string) bool {
	return slices.Contains(i.Collections, collectionKey)
}

// Library is the subset of the reference library API used by screening.
type Library interface {
	// Collections returns every collection in the library.
	Collections(ctx context.Context) ([]Collection, error)
	// CreateCollection creates name under parentKey ("" for top level).
	CreateCollection(ctx context.Context, name, parentKey string) (Collection, error)
	// Items returns up to limit top-level items in a collection (limit <= 0 means all).
	Items(ctx context.Context, collectionKey string, limit int) ([]Item, error)
	// Item returns one item.
	Item(ctx context.Context, key string) (Item, error)
	// AddToCollection makes itemKey a member of collectionKey.
	AddToCollection(ctx context.Context, itemKey, collectionKey string) error
	// AddTags merges tags onto the item, keeping existing ones.
	AddTags(ctx context.Context, itemKey string, tags []string) error
}

// Path renders the slash-separated path of a collection from the root.
func Path(c Collection, byKey map[string]Collection) string {
	parts := []string{c.Name}
	seen := map[string]bool{c.Key: true}
	for p := c.ParentKey; p != ""; {
		parent, ok := byKey[p]
		if !ok || seen[p] {
			break
		}
		seen[p] = true
		parts = append(parts, parent.Name)
		p = parent.ParentKey
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

// Index maps collections by key.
func Index(cols []Collection) map[string]Collection {
	byKey := make(map[string]Collection, len(cols))
	for _, c := range cols {
		byKey[c.Key] = c
	}
	return byKey
}

// MergeTags returns existing plus any new tags, case-insensitively deduplicated.
func MergeTags(existing, add []string) []string {
	out := slices.Clone(existing)
	seen := make(map[string]bool, len(existing)+len(add))
	for _, t := range existing {
		seen[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		k := strings.ToLower(t)
		if t == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	return out
}
