package job

import (
	"context"
	"fmt"
	"sync"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	"phiguard/pkg/platform/sentinel"
)

// DefaultHistory is how many jobs are kept per resource type.
const DefaultHistory = 50

// InMemoryStore keeps a bounded, newest-last history per resource type.
type InMemoryStore struct {
	mu      sync.RWMutex
	jobs    map[domain.ResourceType][]*models.Job
	history int
}

func NewInMemoryStore(history int) *InMemoryStore {
	if history <= 0 {
		history = DefaultHistory
	}
	return &InMemoryStore{
		jobs:    make(map[domain.ResourceType][]*models.Job),
		history: history,
	}
}

// Save inserts job or replaces the stored job with the same id.
func (s *InMemoryStore) Save(_ context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("save job: missing id: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.jobs[job.ResourceType]
	for i, existing := range jobs {
		if existing.ID == job.ID {
			jobs[i] = job.Clone()
			return nil
		}
	}
	jobs = append(jobs, job.Clone())
	if len(jobs) > s.history {
		jobs = jobs[len(jobs)-s.history:]
	}
	s.jobs[job.ResourceType] = jobs
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context, rt domain.ResourceType) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := s.jobs[rt]
	if len(jobs) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return jobs[len(jobs)-1].Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, rt domain.ResourceType, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := s.jobs[rt]
	out := make([]*models.Job, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, jobs[i].Clone())
	}
	return out, nil
}
