package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore stores actions in SQLite. This is the default durable backend
// for single-instance deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the actions table and index if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			priority INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			parked INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create actions table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_actions_drain ON actions(parked, priority DESC, enqueued_at ASC)"); err != nil {
		return nil, fmt.Errorf("failed to create actions drain index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append inserts a new pending action.
func (s *SQLiteStore) Append(ctx context.Context, action *Action) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	payload, err := serializeAction(action)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, priority, enqueued_at, retry_count, parked, data)
		VALUES (?, ?, ?, ?, 0, ?)
	`, action.ID, int(action.Priority), action.EnqueuedAt.UnixNano(), action.RetryCount, string(payload))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// List returns pending actions in drain order.
func (s *SQLiteStore) List(ctx context.Context) ([]*Action, error) {
	return s.list(ctx, 0)
}

// Parked returns dead-lettered actions in drain order.
func (s *SQLiteStore) Parked(ctx context.Context) ([]*Action, error) {
	return s.list(ctx, 1)
}

func (s *SQLiteStore) list(ctx context.Context, parked int) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM actions
		WHERE parked = ?
		ORDER BY priority DESC, enqueued_at ASC, id ASC
	`, parked)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var items []*Action
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		action, err := deserializeAction([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode action row: %w", err)
		}
		items = append(items, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return items, nil
}

// Remove deletes an action regardless of parked state.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read delete rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpRetry increments the retry counter and rewrites the JSON payload so
// the count survives a restart alongside the indexed column.
func (s *SQLiteStore) BumpRetry(ctx context.Context, id string) (int, error) {
	action, err := s.get(ctx, id)
	if err != nil {
		return 0, err
	}
	action.RetryCount++
	payload, err := serializeAction(action)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE actions SET retry_count = ?, data = ? WHERE id = ?
	`, action.RetryCount, string(payload), id)
	if err != nil {
		return 0, fmt.Errorf("update action: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read update rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}
	return action.RetryCount, nil
}

// Park moves an action to the dead-letter set.
func (s *SQLiteStore) Park(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE actions SET parked = 1 WHERE id = ? AND parked = 0", id)
	if err != nil {
		return fmt.Errorf("park action: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read park rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts returns the pending and parked totals.
func (s *SQLiteStore) Counts(ctx context.Context) (int, int, error) {
	var pending, parked int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE parked = 0),
			COUNT(*) FILTER (WHERE parked = 1)
		FROM actions
	`).Scan(&pending, &parked)
	if err != nil {
		return 0, 0, fmt.Errorf("count actions: %w", err)
	}
	return pending, parked, nil
}

// Clear wipes the whole table.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM actions"); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	return nil
}

// Close is a no-op; DB lifecycle is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*Action, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM actions WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query action: %w", err)
	}
	return deserializeAction([]byte(payload))
}
