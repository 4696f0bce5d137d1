package hold

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"phiguard/internal/retention/models"
	"phiguard/pkg/platform/sentinel"
)

// InMemoryStore keeps holds in a map. Sweeps check every candidate against
// it, so lookups take a shared lock.
type InMemoryStore struct {
	mu    sync.RWMutex
	holds map[string]models.Hold
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{holds: make(map[string]models.Hold)}
}

func (s *InMemoryStore) Place(_ context.Context, h models.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[h.ResourceID]; ok {
		return fmt.Errorf("hold on %s: %w", h.ResourceID, sentinel.ErrConflict)
	}
	s.holds[h.ResourceID] = h
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, resourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[resourceID]; !ok {
		return false, nil
	}
	delete(s.holds, resourceID)
	return true, nil
}

func (s *InMemoryStore) IsHeld(_ context.Context, resourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.holds[resourceID]
	return ok, nil
}

// List returns holds oldest first.
func (s *InMemoryStore) List(_ context.Context) ([]models.Hold, error) {
	s.mu.RLock()
	out := make([]models.Hold, 0, len(s.holds))
	for _, h := range s.holds {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sortHolds(out)
	return out, nil
}

func sortHolds(holds []models.Hold) {
	sort.Slice(holds, func(i, j int) bool {
		if !holds[i].PlacedAt.Equal(holds[j].PlacedAt) {
			return holds[i].PlacedAt.Before(holds[j].PlacedAt)
		}
		return holds[i].ResourceID < holds[j].ResourceID
	})
}
