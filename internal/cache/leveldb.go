package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DefaultCompressionThreshold is the value size in bytes above which
// entries are brotli-compressed before hitting disk.
const DefaultCompressionThreshold = 4096

// Stored payload framing: one format byte ahead of the JSON entry.
const (
	formatRaw    = 0x00
	formatBrotli = 0x01
)

// LevelDBTier is the default persistent tier, backed by an embedded
// LevelDB database. Large entries are compressed with brotli; the format
// is recorded per value so the threshold can change between runs.
type LevelDBTier struct {
	mu        sync.RWMutex
	db        *leveldb.DB
	threshold int
}

// LevelDBConfig holds options for the LevelDB-backed tier.
type LevelDBConfig struct {
	// Path is the database directory.
	Path string

	// CompressionThreshold is the minimum encoded size in bytes before a
	// value is compressed (default: DefaultCompressionThreshold).
	CompressionThreshold int
}

// NewLevelDBTier opens (or creates) the LevelDB database at cfg.Path.
func NewLevelDBTier(cfg LevelDBConfig) (*LevelDBTier, error) {
	if cfg.Path == "" {
		return nil, errors.New("cache: leveldb path is required")
	}
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", cfg.Path, err)
	}

	threshold := cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &LevelDBTier{db: db, threshold: threshold}, nil
}

// Get returns the entry for key.
func (t *LevelDBTier) Get(_ context.Context, key string) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	raw, err := t.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrTierMiss
		}
		return nil, fmt.Errorf("leveldb get %q: %w", key, err)
	}
	return decodeStored(raw)
}

// Set stores or replaces the entry.
func (t *LevelDBTier) Set(_ context.Context, entry *Entry) error {
	payload, err := t.encodeStored(entry)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.db.Put([]byte(entry.Key), payload, nil); err != nil {
		return fmt.Errorf("leveldb put %q: %w", entry.Key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (t *LevelDBTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %q: %w", key, err)
	}
	return nil
}

// Entries returns every stored entry. Corrupt values are skipped so one bad
// record cannot poison a tag invalidation sweep.
func (t *LevelDBTier) Entries(_ context.Context) ([]*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Entry
	iter := t.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	for iter.Next() {
		entry, err := decodeStored(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return out, nil
}

// Len returns the number of stored entries.
func (t *LevelDBTier) Len(_ context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	iter := t.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}
	return n, nil
}

// Clear removes every entry.
func (t *LevelDBTier) Clear(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := new(leveldb.Batch)
	iter := t.db.NewIterator(&util.Range{}, nil)
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldb iterate: %w", err)
	}
	if err := t.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb clear: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (t *LevelDBTier) Close() error {
	return t.db.Close()
}

func (t *LevelDBTier) encodeStored(entry *Entry) ([]byte, error) {
	encoded, err := encodeEntry(entry)
	if err != nil {
		return nil, err
	}

	if len(encoded) < t.threshold {
		return append([]byte{formatRaw}, encoded...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(formatBrotli)
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("compress entry %q: %w", entry.Key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress entry %q: %w", entry.Key, err)
	}
	return buf.Bytes(), nil
}

func decodeStored(raw []byte) (*Entry, error) {
	if len(raw) < 2 {
		return nil, ErrCorruptEntry
	}
	switch raw[0] {
	case formatRaw:
		return decodeEntry(raw[1:])
	case formatBrotli:
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw[1:])))
		if err != nil {
			return nil, ErrCorruptEntry
		}
		return decodeEntry(decoded)
	default:
		return nil, ErrCorruptEntry
	}
}
