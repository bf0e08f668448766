// Package drafts persists in-progress form state locally so a half-filled
// form survives a crash or restart. Purely a convenience cache: drafts
// expire on their own TTL and are never replayed to the upstream.
package drafts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a draft is kept when the caller does not pick a
// TTL of its own.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned when no draft with the given id exists.
var ErrNotFound = errors.New("drafts: not found")

// Draft is one saved form snapshot, keyed by form type.
type Draft struct {
	ID       string          `json:"id"`
	FormType string          `json:"form_type"`
	Payload  json.RawMessage `json:"payload"`
	SavedAt  time.Time       `json:"saved_at"`
	TTL      time.Duration   `json:"ttl"`
}

// Store is the sqlite-backed draft store. Expiry is lazy: expired rows are
// swept on each List call for the form type being read.
type Store struct {
	db         *sql.DB
	defaultTTL time.Duration
	log        *slog.Logger
	clock      func() time.Time
}

const draftsSchema = `
CREATE TABLE IF NOT EXISTS drafts (
	id         TEXT PRIMARY KEY,
	form_type  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	saved_at   INTEGER NOT NULL,
	ttl_ns     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drafts_form_type ON drafts(form_type, saved_at);
`

// NewStore creates the drafts table if needed.
func NewStore(db *sql.DB, defaultTTL time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if _, err := db.Exec(draftsSchema); err != nil {
		return nil, fmt.Errorf("create drafts schema: %w", err)
	}
	return &Store{db: db, defaultTTL: defaultTTL, log: logger, clock: time.Now}, nil
}

// Save stores a new draft and returns it. ttl <= 0 uses the store default.
func (s *Store) Save(ctx context.Context, formType string, payload json.RawMessage, ttl time.Duration) (*Draft, error) {
	if formType == "" {
		return nil, errors.New("drafts: form type is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	d := &Draft{
		ID:       uuid.NewString(),
		FormType: formType,
		Payload:  payload,
		SavedAt:  s.clock().UTC(),
		TTL:      ttl,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (id, form_type, payload, saved_at, ttl_ns) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.FormType, string(d.Payload), d.SavedAt.UnixNano(), int64(d.TTL),
	)
	if err != nil {
		return nil, fmt.Errorf("save draft: %w", err)
	}
	return d, nil
}

// List returns the live drafts for a form type, newest first, sweeping
// expired rows for that type as a side effect.
func (s *Store) List(ctx context.Context, formType string) ([]*Draft, error) {
	now := s.clock().UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE form_type = ? AND saved_at + ttl_ns < ?`,
		formType, now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("sweep expired drafts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, form_type, payload, saved_at, ttl_ns FROM drafts WHERE form_type = ? ORDER BY saved_at DESC`,
		formType,
	)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		var (
			d       Draft
			payload string
			savedAt int64
			ttl     int64
		)
		if err := rows.Scan(&d.ID, &d.FormType, &payload, &savedAt, &ttl); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.SavedAt = time.Unix(0, savedAt).UTC()
		d.TTL = time.Duration(ttl)
		drafts = append(drafts, &d)
	}
	return drafts, rows.Err()
}

// Delete removes one draft by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
