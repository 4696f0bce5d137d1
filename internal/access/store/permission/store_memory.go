package permission

import (
	"context"
	"slices"
	"sync"

	"phiguard/pkg/domain"
)

// InMemoryStore keeps custom permissions per user. Reads dominate writes, so
// lookups take a shared lock.
type InMemoryStore struct {
	mu    sync.RWMutex
	perms map[string][]domain.Permission
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{perms: make(map[string][]domain.Permission)}
}

func (s *InMemoryStore) List(_ context.Context, userID string) ([]domain.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.perms[userID]), nil
}

func (s *InMemoryStore) Add(_ context.Context, userID string, p domain.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.perms[userID]
	if slices.ContainsFunc(existing, p.Equal) {
		return nil
	}
	p.Actions = slices.Clone(p.Actions)
	s.perms[userID] = append(existing, p)
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, userID string, p domain.Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.perms[userID]
	i := slices.IndexFunc(existing, p.Equal)
	if i < 0 {
		return false, nil
	}
	existing = slices.Delete(existing, i, i+1)
	if len(existing) == 0 {
		delete(s.perms, userID)
	} else {
		s.perms[userID] = existing
	}
	return true, nil
}

func (s *InMemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, userID)
	return nil
}

func clone(perms []domain.Permission) []domain.Permission {
	if len(perms) == 0 {
		return nil
	}
	out := make([]domain.Permission, len(perms))
	for i, p := range perms {
		p.Actions = slices.Clone(p.Actions)
		out[i] = p
	}
	return out
}
