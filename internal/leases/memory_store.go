package leases

import (
	"context"
	"sync"
	"time"
)

// MemoryStore serves a single process. It is safe for concurrent use.
type MemoryStore struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, leases: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[name]; ok && cur.ExpiresAt.After(now) {
		return cur, false, nil
	}
	l := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[name] = l
	return l, true, nil
}

// Extend renews the caller's lease even if it has lapsed, as long as nobody took it over.
func (s *MemoryStore) Extend(_ context.Context, name, owner string, ttl time.Duration) (Lease, error) {
	if err := validate(name, owner, ttl); err != nil {
		return Lease{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok || cur.Owner != owner {
		return Lease{}, ErrNotOwner
	}
	cur.ExpiresAt = s.now().Add(ttl)
	s.leases[name] = cur
	return cur, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}
