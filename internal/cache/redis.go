package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces cache keys so the gateway can share a
	// Redis instance with other applications.
	DefaultRedisPrefix = "syncgate:cache:"

	// DefaultStaleRetention is how long an entry outlives its own TTL on
	// the server. Entries must remain readable after expiry so degraded
	// reads can fall back to stale data.
	DefaultStaleRetention = 24 * time.Hour
)

// RedisConfig holds Redis connection configuration for the persistent tier.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379")
	URL string

	// Prefix namespaces all keys (defaults to "syncgate:cache:")
	Prefix string

	// StaleRetention is the extra server-side lifetime beyond each entry's
	// TTL (defaults to 24 hours)
	StaleRetention time.Duration
}

// RedisTier implements the persistent tier on Redis. Suitable when several
// gateway instances behind a load balancer should share one response cache.
type RedisTier struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(cfg RedisConfig) (*RedisTier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	retention := cfg.StaleRetention
	if retention <= 0 {
		retention = DefaultStaleRetention
	}

	slog.Info("redis cache tier connected", "prefix", prefix, "stale_retention", retention)

	return &RedisTier{client: client, prefix: prefix, retention: retention}, nil
}

// Get returns the entry for key.
func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTierMiss
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return nil, ErrCorruptEntry
	}
	return entry, nil
}

// Set stores or replaces the entry. The server-side expiry is the entry TTL
// plus the stale retention window; freshness is still decided from the
// entry's own StoredAt.
func (t *RedisTier) Set(ctx context.Context, entry *Entry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	expiry := entry.TTL + t.retention
	if entry.TTL <= 0 {
		expiry = t.retention
	}
	if err := t.client.Set(ctx, t.prefix+entry.Key, payload, expiry).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", entry.Key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

// Entries returns every stored entry under the tier's prefix.
func (t *RedisTier) Entries(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("redis get %q: %w", iter.Val(), err)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Len returns the number of stored entries under the tier's prefix.
func (t *RedisTier) Len(ctx context.Context) (int, error) {
	n := 0
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

// Clear removes every entry under the tier's prefix.
func (t *RedisTier) Clear(ctx context.Context) error {
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete %q: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (t *RedisTier) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
