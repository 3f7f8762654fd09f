package library

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Library used for offline runs and tests.
type Memory struct {
	mu          sync.Mutex
	collections map[string]Collection
	order       []string
	items       map[string]Item
	itemOrder   []string
	nextKey     int

	// FailItems makes writes to the listed item keys fail.
	FailItems map[string]error
	// OnCreate, when set, runs before a collection is created. Returning
	// an error aborts the create.
	OnCreate func(name, parentKey string) error
}

// NewMemory creates an empty in-memory library.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]Collection),
		items:       make(map[string]Item),
		FailItems:   make(map[string]error),
	}
}

// AddCollection seeds a collection and returns it.
func (m *Memory) AddCollection(name, parentKey string) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCollectionLocked(name, parentKey)
}

func (m *Memory) addCollectionLocked(name, parentKey string) Collection {
	m.nextKey++
	c := Collection{Key: fmt.Sprintf("C%07d", m.nextKey), Name: name, ParentKey: parentKey, Version: 1}
	m.collections[c.Key] = c
	m.order = append(m.order, c.Key)
	return c
}

// AddItem seeds an item; its key is generated when empty.
func (m *Memory) AddItem(it Item) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it.Key == "" {
		m.nextKey++
		it.Key = fmt.Sprintf("I%07d", m.nextKey)
	}
	if it.Version == 0 {
		it.Version = 1
	}
	if it.DateModified.IsZero() {
		it.DateModified = time.Now().UTC()
	}
	if _, exists := m.items[it.Key]; !exists {
		m.itemOrder = append(m.itemOrder, it.Key)
	}
	m.items[it.Key] = it
	return it
}

// Collections implements Library.
func (m *Memory) Collections(ctx context.Context) ([]Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Collection, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.collections[k])
	}
	return out, nil
}

// CreateCollection implements Library.
func (m *Memory) CreateCollection(ctx context.Context, name, parentKey string) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}
	if m.OnCreate != nil {
		if err := m.OnCreate(name, parentKey); err != nil {
			return Collection{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentKey != "" {
		if _, ok := m.collections[parentKey]; !ok {
			return Collection{}, fmt.Errorf("parent %s: %w", parentKey, ErrNotFound)
		}
	}
	return m.addCollectionLocked(name, parentKey), nil
}

// Items implements Library.
func (m *Memory) Items(ctx context.Context, collectionKey string, limit int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collectionKey]; !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionKey, ErrNotFound)
	}
	var out []Item
	for _, k := range m.itemOrder {
		it := m.items[k]
		if !it.InCollection(collectionKey) {
			continue
		}
		out = append(out, cloneItem(it))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Item implements Library.
func (m *Memory) Item(ctx context.Context, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return Item{}, fmt.Errorf("item %s: %w", key, ErrNotFound)
	}
	return cloneItem(it), nil
}

// AddToCollection implements Library.
func (m *Memory) AddToCollection(ctx context.Context, itemKey, collectionKey string) error {
	return m.update(ctx, itemKey, func(it *Item) error {
		if _, ok := m.collections[collectionKey]; !ok {
			return fmt.Errorf("collection %s: %w", collectionKey, ErrNotFound)
		}
		if !it.InCollection(collectionKey) {
			it.Collections = append(it.Collections, collectionKey)
		}
		return nil
	})
}

// AddTags implements Library.
func (m *Memory) AddTags(ctx context.Context, itemKey string, tags []string) error {
	return m.update(ctx, itemKey, func(it *Item) error {
		it.Tags = MergeTags(it.Tags, tags)
		return nil
	})
}

func (m *Memory) update(ctx context.Context, itemKey string, fn func(*Item) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailItems[itemKey]; err != nil {
		return err
	}
	it, ok := m.items[itemKey]
	if !ok {
		return fmt.Errorf("item %s: %w", itemKey, ErrNotFound)
	}
	before := cloneItem(it)
	if err := fn(&it); err != nil {
		return err
	}
	if !slices.Equal(before.Collections, it.Collections) || !slices.Equal(before.Tags, it.Tags) {
		it.Version++
		it.DateModified = time.Now().UTC()
	}
	m.items[itemKey] = it
	return nil
}

func cloneItem(it Item) Item {
	it.Collections = slices.Clone(it.Collections)
	it.Tags = slices.Clone(it.Tags)
	return it
}
