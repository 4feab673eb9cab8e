package transfer

import (
	"context"
	"fmt"
	"sync"
)

type attemptKey struct {
	id      string
	attempt int
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[attemptKey]State
	latest map[string]int
	order  []attemptKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[attemptKey]State),
		latest: make(map[string]int),
	}
}

func (m *MemoryStore) Create(_ context.Context, s State) error {
	if s.ID == "" || s.Attempt <= 0 {
		return fmt.Errorf("%w: missing id or attempt", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attemptKey{s.ID, s.Attempt}
	if _, ok := m.states[k]; ok {
		return ErrAlreadyExists
	}
	m.states[k] = s.Clone()
	m.order = append(m.order, k)
	if s.Attempt > m.latest[s.ID] {
		m.latest[s.ID] = s.Attempt
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attemptKey{s.ID, s.Attempt}
	cur, ok := m.states[k]
	if !ok {
		return ErrNotFound
	}
	if !CanFollow(cur.Stage, s.Stage) {
		return fmt.Errorf("%w: stored %s, update %s", ErrInvalidTransition, cur.Stage, s.Stage)
	}
	m.states[k] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (State, error) {
	m.mu.Lock()
	attempt, ok := m.latest[id]
	m.mu.Unlock()
	if !ok {
		return State{}, ErrNotFound
	}
	return m.GetAttempt(ctx, id, attempt)
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string, attempt int) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[attemptKey{id, attempt}]
	if !ok {
		return State{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListByStage(_ context.Context, stage Stage, limit int) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]State, 0, limit)
	for _, k := range m.order {
		s := m.states[k]
		if s.Stage != stage {
			continue
		}
		out = append(out, s.Clone())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
