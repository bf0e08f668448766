// Package cache implements the tiered cache manager: a fast bounded
// in-process tier layered in front of a slower persistent tier, presented
// to callers as one logical cache with tag-based invalidation, TTL expiry,
// pre-warming and per-tier hit/miss accounting.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Tier names used in stats and log output.
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
)

// ErrTierMiss is returned by a Tier when no entry exists for a key.
var ErrTierMiss = errors.New("cache: key not found")

// ErrCorruptEntry is returned by a Tier when a stored entry cannot be
// decoded. The manager treats it as a miss and drops the entry.
var ErrCorruptEntry = errors.New("cache: corrupt entry")

// Entry is one cached logical resource. Staleness is computed from StoredAt
// recorded on the entry itself, so it survives serialization into the
// persistent tier.
type Entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
	Tags     []string        `json:"tags,omitempty"`
}

// Valid reports whether the entry is within its TTL at the given instant.
// A zero TTL means the entry never expires.
func (e *Entry) Valid(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.StoredAt) <= e.TTL
}

// HasAnyTag reports whether the entry's tag set intersects tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		for _, et := range e.Tags {
			if t == et {
				return true
			}
		}
	}
	return false
}

// Tier is one level of the cache. Tiers store entries verbatim and do not
// interpret TTLs; expiry decisions belong to the Manager so that stale
// entries remain available for degraded reads.
// Implementations must be safe for concurrent use.
type Tier interface {
	// Get returns the entry for key, ErrTierMiss if absent, or
	// ErrCorruptEntry if the stored bytes cannot be decoded.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores or replaces the entry under its key.
	Set(ctx context.Context, entry *Entry) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Entries returns every stored entry. Used by tag invalidation, which
	// is O(n) by design; invalidation is rare relative to reads.
	Entries(ctx context.Context) ([]*Entry, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases resources held by the tier.
	Close() error
}

func encodeEntry(e *Entry) ([]byte, error) {
	if e == nil || e.Key == "" {
		return nil, errors.New("cache: entry key is required")
	}
	return json.Marshal(e)
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Key == "" {
		return nil, ErrCorruptEntry
	}
	return &e, nil
}
