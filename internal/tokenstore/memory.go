package tokenstore

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	targetID string
	deadline time.Time
}

// MemoryStore is a mutex-guarded map for dev and tests. Redemption holds the
// lock across lookup and delete, which gives the same exactly-once guarantee
// as GETDEL in the Redis store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Issue stores the mapping, overwriting any existing value.
func (s *MemoryStore) Issue(_ context.Context, namespace, token, targetID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[namespace+token] = entry{targetID: targetID, deadline: s.now().Add(ttl)}
	return nil
}

// Redeem fetches and deletes the token under one lock.
func (s *MemoryStore) Redeem(_ context.Context, namespace, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := namespace + token
	e, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.entries, key)
	if s.now().After(e.deadline) {
		return "", ErrNotFound
	}
	return e.targetID, nil
}

// Peek fetches the token value without consuming it.
func (s *MemoryStore) Peek(_ context.Context, namespace, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[namespace+token]
	if !ok || s.now().After(e.deadline) {
		return "", ErrNotFound
	}
	return e.targetID, nil
}

// Invalidate removes the token.
func (s *MemoryStore) Invalidate(_ context.Context, namespace, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, namespace+token)
	return nil
}
