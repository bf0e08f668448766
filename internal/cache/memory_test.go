package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func memEntry(key string) *Entry {
	return &Entry{
		Key:      key,
		Value:    json.RawMessage(`"v"`),
		StoredAt: time.Now(),
		TTL:      time.Hour,
	}
}

func TestMemoryTierLRU(t *testing.T) {
	ctx := context.Background()

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		tier := NewMemoryTier(2)

		if err := tier.Set(ctx, memEntry("a")); err != nil {
			t.Fatalf("set a: %v", err)
		}
		if err := tier.Set(ctx, memEntry("b")); err != nil {
			t.Fatalf("set b: %v", err)
		}

		// Touch "a" so "b" becomes the eviction candidate.
		if _, err := tier.Get(ctx, "a"); err != nil {
			t.Fatalf("get a: %v", err)
		}

		if err := tier.Set(ctx, memEntry("c")); err != nil {
			t.Fatalf("set c: %v", err)
		}

		if _, err := tier.Get(ctx, "b"); !errors.Is(err, ErrTierMiss) {
			t.Fatalf("expected b evicted, got %v", err)
		}
		for _, key := range []string{"a", "c"} {
			if _, err := tier.Get(ctx, key); err != nil {
				t.Errorf("expected %q retained, got %v", key, err)
			}
		}
	})

	t.Run("ReplaceDoesNotGrow", func(t *testing.T) {
		tier := NewMemoryTier(2)

		for i := 0; i < 5; i++ {
			if err := tier.Set(ctx, memEntry("same")); err != nil {
				t.Fatalf("set: %v", err)
			}
		}
		n, err := tier.Len(ctx)
		if err != nil {
			t.Fatalf("len: %v", err)
		}
		if n != 1 {
			t.Fatalf("len = %d, want 1", n)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		tier := NewMemoryTier(4)
		if err := tier.Set(ctx, memEntry("a")); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := tier.Clear(ctx); err != nil {
			t.Fatalf("clear: %v", err)
		}
		n, _ := tier.Len(ctx)
		if n != 0 {
			t.Fatalf("len = %d, want 0", n)
		}
	})
}
