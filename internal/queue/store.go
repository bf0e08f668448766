package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound indicates a requested action was not found.
var ErrNotFound = errors.New("action not found")

// Store defines persistence operations for the action queue.
// List returns pending actions in drain order: priority descending, then
// enqueue time ascending, then id ascending as the tiebreaker.
// Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, action *Action) error
	List(ctx context.Context) ([]*Action, error)
	Remove(ctx context.Context, id string) error

	// BumpRetry increments the action's retry count and returns the new
	// value.
	BumpRetry(ctx context.Context, id string) (int, error)

	// Park moves the action to the dead-letter set. Parked actions are not
	// returned by List and are never replayed automatically.
	Park(ctx context.Context, id string) error
	Parked(ctx context.Context) ([]*Action, error)

	// Counts returns the number of pending and parked actions.
	Counts(ctx context.Context) (pending, parked int, err error)

	// Clear wipes both the pending queue and the dead-letter set.
	Clear(ctx context.Context) error

	Close() error
}

func serializeAction(action *Action) ([]byte, error) {
	if action == nil {
		return nil, fmt.Errorf("action is nil")
	}
	b, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return b, nil
}

func deserializeAction(raw []byte) (*Action, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty action payload")
	}
	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	return &action, nil
}

func cloneAction(src *Action) (*Action, error) {
	b, err := serializeAction(src)
	if err != nil {
		return nil, err
	}
	return deserializeAction(b)
}

// sortForDrain orders actions in place by drain order.
func sortForDrain(actions []*Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority > actions[j].Priority
		}
		if !actions[i].EnqueuedAt.Equal(actions[j].EnqueuedAt) {
			return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt)
		}
		return actions[i].ID < actions[j].ID
	})
}
