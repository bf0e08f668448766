package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore stores actions in PostgreSQL. Used when several gateway
// instances share one durable queue.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the actions table and index if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			priority INTEGER NOT NULL,
			enqueued_at BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			parked BOOLEAN NOT NULL DEFAULT FALSE,
			data JSONB NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create actions table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_actions_drain ON actions(parked, priority DESC, enqueued_at ASC)"); err != nil {
		return nil, fmt.Errorf("failed to create actions drain index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Append inserts a new pending action.
func (s *PostgreSQLStore) Append(ctx context.Context, action *Action) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	payload, err := serializeAction(action)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO actions (id, priority, enqueued_at, retry_count, parked, data)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, action.ID, int(action.Priority), action.EnqueuedAt.UnixNano(), action.RetryCount, payload)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// List returns pending actions in drain order.
func (s *PostgreSQLStore) List(ctx context.Context) ([]*Action, error) {
	return s.list(ctx, false)
}

// Parked returns dead-lettered actions in drain order.
func (s *PostgreSQLStore) Parked(ctx context.Context) ([]*Action, error) {
	return s.list(ctx, true)
}

func (s *PostgreSQLStore) list(ctx context.Context, parked bool) ([]*Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data
		FROM actions
		WHERE parked = $1
		ORDER BY priority DESC, enqueued_at ASC, id ASC
	`, parked)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var items []*Action
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		action, err := deserializeAction(payload)
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
func (s *PostgreSQLStore) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM actions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpRetry increments the retry counter and rewrites the JSON payload.
func (s *PostgreSQLStore) BumpRetry(ctx context.Context, id string) (int, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM actions WHERE id = $1", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("query action: %w", err)
	}
	action, err := deserializeAction(payload)
	if err != nil {
		return 0, err
	}
	action.RetryCount++
	updated, err := serializeAction(action)
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE actions SET retry_count = $1, data = $2 WHERE id = $3
	`, action.RetryCount, updated, id)
	if err != nil {
		return 0, fmt.Errorf("update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	return action.RetryCount, nil
}

// Park moves an action to the dead-letter set.
func (s *PostgreSQLStore) Park(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE actions SET parked = TRUE WHERE id = $1 AND parked = FALSE", id)
	if err != nil {
		return fmt.Errorf("park action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts returns the pending and parked totals.
func (s *PostgreSQLStore) Counts(ctx context.Context) (int, int, error) {
	var pending, parked int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE NOT parked),
			COUNT(*) FILTER (WHERE parked)
		FROM actions
	`).Scan(&pending, &parked)
	if err != nil {
		return 0, 0, fmt.Errorf("count actions: %w", err)
	}
	return pending, parked, nil
}

// Clear wipes the whole table.
func (s *PostgreSQLStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM actions"); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	return nil
}

// Close is a no-op; pool lifecycle is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
