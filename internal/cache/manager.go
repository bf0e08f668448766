package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options control how a value is stored.
type Options struct {
	// TTL is how long the entry stays fresh. Zero means it never expires.
	TTL time.Duration

	// Tags label the entry for tag-based invalidation.
	Tags []string
}

// WarmEntry describes one pre-warm target: if the key is not already cached
// and fresh, Fetch is invoked and its result stored under the key.
type WarmEntry struct {
	Key   string
	TTL   time.Duration
	Tags  []string
	Fetch func(ctx context.Context) (json.RawMessage, error)
}

// TierStats is the hit/miss snapshot for one tier (or the combined view).
type TierStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

// Stats is the full accounting snapshot. HitRate is recomputed from the
// live counters on every call, never cached.
type Stats struct {
	Memory     TierStats `json:"memory"`
	Persistent TierStats `json:"persistent"`
	Combined   TierStats `json:"combined"`
}

type counters struct {
	hits   int64
	misses int64
}

// Manager presents the two tiers as one logical cache. A Get that hits only
// the persistent tier promotes the entry into the memory tier before
// returning, so the next Get on the same key is a memory hit.
type Manager struct {
	tier1 Tier
	tier2 Tier
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	t1       counters
	t2       counters
	combined counters
}

// NewManager creates a Manager over the given tiers. logger may be nil.
func NewManager(tier1, tier2 Tier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tier1: tier1,
		tier2: tier2,
		log:   logger,
		clock: time.Now,
	}
}

// Get returns the fresh value for key, or ok=false when no tier has a valid
// entry. Expired entries are treated as absent; they are lazily evicted
// from the memory tier but kept in the persistent tier for stale reads.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	now := m.clock()

	entry, err := m.tier1.Get(ctx, key)
	if err == nil && entry.Valid(now) {
		m.count(&m.t1, true)
		m.count(&m.combined, true)
		return entry.Value, true
	}
	if err == nil {
		// expired in memory; evict so it cannot shadow a fresher
		// persistent entry after an upstream refresh
		_ = m.tier1.Delete(ctx, key)
	}
	m.count(&m.t1, false)

	entry, err = m.tier2.Get(ctx, key)
	switch {
	case err == nil && entry.Valid(now):
		m.count(&m.t2, true)
		m.count(&m.combined, true)
		if perr := m.tier1.Set(ctx, entry); perr != nil {
			m.log.Warn("tier promotion failed", "key", key, "error", perr)
		}
		return entry.Value, true
	case errors.Is(err, ErrCorruptEntry):
		_ = m.tier2.Delete(ctx, key)
	}
	m.count(&m.t2, false)
	m.count(&m.combined, false)
	return nil, false
}

// GetStale returns the entry for key even when it is past its TTL, for
// degraded reads when the network has no answer. Does not touch counters.
func (m *Manager) GetStale(ctx context.Context, key string) (*Entry, bool) {
	if entry, err := m.tier1.Get(ctx, key); err == nil {
		return entry, true
	}
	if entry, err := m.tier2.Get(ctx, key); err == nil {
		return entry, true
	}
	return nil, false
}

// Set writes the value through to both tiers.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, opts Options) error {
	entry := &Entry{
		Key:      key,
		Value:    value,
		StoredAt: m.clock(),
		TTL:      opts.TTL,
		Tags:     opts.Tags,
	}
	return errors.Join(m.tier1.Set(ctx, entry), m.tier2.Set(ctx, entry))
}

// Delete removes the key from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return errors.Join(m.tier1.Delete(ctx, key), m.tier2.Delete(ctx, key))
}

// InvalidateByTags removes every entry in either tier whose tag set
// intersects tags, and returns the number of distinct keys removed.
// O(n) over both tiers; invalidation is rare relative to reads.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	removed := make(map[string]struct{})
	var errs []error
	for _, tier := range []Tier{m.tier1, m.tier2} {
		entries, err := tier.Entries(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if !entry.HasAnyTag(tags) {
				continue
			}
			if err := tier.Delete(ctx, entry.Key); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %q: %w", entry.Key, err))
				continue
			}
			removed[entry.Key] = struct{}{}
		}
	}
	return len(removed), errors.Join(errs...)
}

// Warm pre-populates the cache. Entries that are already cached and fresh
// are skipped; fetcher failures are logged and swallowed per entry so one
// failing pre-warm does not abort the batch. Returns the number of entries
// actually fetched and stored.
func (m *Manager) Warm(ctx context.Context, entries []WarmEntry) int {
	warmed := 0
	for _, we := range entries {
		if we.Key == "" || we.Fetch == nil {
			continue
		}
		if m.peek(ctx, we.Key) {
			continue
		}
		value, err := we.Fetch(ctx)
		if err != nil {
			m.log.Warn("cache warm fetch failed", "key", we.Key, "error", err)
			continue
		}
		if err := m.Set(ctx, we.Key, value, Options{TTL: we.TTL, Tags: we.Tags}); err != nil {
			m.log.Warn("cache warm store failed", "key", we.Key, "error", err)
			continue
		}
		warmed++
	}
	return warmed
}

// Clear empties both tiers and resets all counters to zero.
func (m *Manager) Clear(ctx context.Context) error {
	err := errors.Join(m.tier1.Clear(ctx), m.tier2.Clear(ctx))

	m.mu.Lock()
	m.t1 = counters{}
	m.t2 = counters{}
	m.combined = counters{}
	m.mu.Unlock()

	return err
}

// Stats returns the current per-tier and combined snapshot. Purely a read.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	t1, t2, comb := m.t1, m.t2, m.combined
	m.mu.Unlock()

	size1, _ := m.tier1.Len(ctx)
	size2, _ := m.tier2.Len(ctx)

	return Stats{
		Memory:     snapshot(t1, size1),
		Persistent: snapshot(t2, size2),
		Combined:   snapshot(comb, size1+size2),
	}
}

// Close releases both tiers.
func (m *Manager) Close() error {
	return errors.Join(m.tier1.Close(), m.tier2.Close())
}

// peek reports whether a fresh entry exists in either tier without touching
// the hit/miss counters.
func (m *Manager) peek(ctx context.Context, key string) bool {
	now := m.clock()
	if entry, err := m.tier1.Get(ctx, key); err == nil && entry.Valid(now) {
		return true
	}
	if entry, err := m.tier2.Get(ctx, key); err == nil && entry.Valid(now) {
		return true
	}
	return false
}

func (m *Manager) count(c *counters, hit bool) {
	m.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	m.mu.Unlock()
}

func snapshot(c counters, size int) TierStats {
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return TierStats{Hits: c.hits, Misses: c.misses, HitRate: rate, Size: size}
}
