package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps actions in process memory. Data does not survive
// restarts; intended for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	pending map[string]*Action
	parked  map[string]*Action
}

// NewMemoryStore creates an empty in-memory action store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]*Action),
		parked:  make(map[string]*Action),
	}
}

// Append stores a new pending action.
func (s *MemoryStore) Append(_ context.Context, action *Action) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	c, err := cloneAction(action)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[c.ID]; exists {
		return fmt.Errorf("action already queued: %s", c.ID)
	}
	s.pending[c.ID] = c
	return nil
}

// List returns pending actions in drain order.
func (s *MemoryStore) List(_ context.Context) ([]*Action, error) {
	s.mu.RLock()
	all := make([]*Action, 0, len(s.pending))
	for _, a := range s.pending {
		c, err := cloneAction(a)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		all = append(all, c)
	}
	s.mu.RUnlock()

	sortForDrain(all)
	return all, nil
}

// Remove deletes a pending or parked action.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		return nil
	}
	if _, ok := s.parked[id]; ok {
		delete(s.parked, id)
		return nil
	}
	return ErrNotFound
}

// BumpRetry increments the retry counter of a pending action.
func (s *MemoryStore) BumpRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.RetryCount++
	return a.RetryCount, nil
}

// Park moves a pending action to the dead-letter set.
func (s *MemoryStore) Park(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.pending, id)
	s.parked[id] = a
	return nil
}

// Parked returns dead-lettered actions in drain order.
func (s *MemoryStore) Parked(_ context.Context) ([]*Action, error) {
	s.mu.RLock()
	all := make([]*Action, 0, len(s.parked))
	for _, a := range s.parked {
		c, err := cloneAction(a)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		all = append(all, c)
	}
	s.mu.RUnlock()

	sortForDrain(all)
	return all, nil
}

// Counts returns the pending and parked totals.
func (s *MemoryStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending), len(s.parked), nil
}

// Clear wipes both sets.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[string]*Action)
	s.parked = make(map[string]*Action)
	return nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}
