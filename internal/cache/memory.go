package cache

import (
	"container/list"
	"context"
	"sync"
)

// DefaultMemoryMaxEntries bounds the in-process tier when no limit is
// configured. Promotion from the persistent tier would otherwise grow the
// memory tier without bound.
const DefaultMemoryMaxEntries = 1024

type lruItem struct {
	key   string
	entry *Entry
}

// MemoryTier is the fast in-process tier: a map plus a doubly linked list
// giving least-recently-used eviction once maxEntries is reached.
type MemoryTier struct {
	mu         sync.Mutex
	lru        *list.List
	items      map[string]*list.Element
	maxEntries int
}

// NewMemoryTier creates a bounded in-memory tier. maxEntries <= 0 selects
// DefaultMemoryMaxEntries.
func NewMemoryTier(maxEntries int) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	return &MemoryTier{
		lru:        list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
	}
}

// Get returns the entry for key and marks it most recently used.
func (t *MemoryTier) Get(_ context.Context, key string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok {
		return nil, ErrTierMiss
	}
	t.lru.MoveToFront(el)
	return el.Value.(*lruItem).entry, nil
}

// Set stores or replaces the entry, evicting the least recently used entry
// when the tier is full.
func (t *MemoryTier) Set(_ context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return ErrCorruptEntry
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[entry.Key]; ok {
		el.Value.(*lruItem).entry = entry
		t.lru.MoveToFront(el)
		return nil
	}

	el := t.lru.PushFront(&lruItem{key: entry.Key, entry: entry})
	t.items[entry.Key] = el

	for t.lru.Len() > t.maxEntries {
		back := t.lru.Back()
		if back == nil {
			break
		}
		evicted := t.lru.Remove(back).(*lruItem)
		delete(t.items, evicted.key)
	}
	return nil
}

// Delete removes the entry for key.
func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[key]; ok {
		t.lru.Remove(el)
		delete(t.items, key)
	}
	return nil
}

// Entries returns every stored entry in most-recently-used order.
func (t *MemoryTier) Entries(_ context.Context) ([]*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Entry, 0, t.lru.Len())
	for el := t.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruItem).entry)
	}
	return out, nil
}

// Len returns the number of stored entries.
func (t *MemoryTier) Len(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len(), nil
}

// Clear removes every entry.
func (t *MemoryTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Init()
	t.items = make(map[string]*list.Element)
	return nil
}

// Close is a no-op for the memory tier.
func (t *MemoryTier) Close() error {
	return nil
}
