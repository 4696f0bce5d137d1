package memory

import (
	"context"
	"sync"
	"time"

	audit "phiguard/pkg/platform/audit"
)

// InMemoryStore keeps audit entries in process memory. Entries are copied in
// and out so callers can never mutate stored records.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, cloneEntry(entry))
	return nil
}

// AppendBatch appends all entries under one lock acquisition, so readers see
// either none or all of the batch.
func (s *InMemoryStore) AppendBatch(_ context.Context, entries []audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries = append(s.entries, cloneEntry(e))
	}
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, filter audit.Filter, page audit.Page) ([]audit.Entry, int, error) {
	s.mu.RLock()
	matched := make([]audit.Entry, 0)
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, cloneEntry(e))
		}
	}
	s.mu.RUnlock()

	audit.SortEntries(matched, page.Order)
	return audit.Paginate(matched, page), len(matched), nil
}

func (s *InMemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneEntry(e audit.Entry) audit.Entry {
	if e.FieldsAccessed != nil {
		e.FieldsAccessed = append([]string(nil), e.FieldsAccessed...)
	}
	if e.Changes != nil {
		changes := make(map[string]audit.Change, len(e.Changes))
		for k, v := range e.Changes {
			changes[k] = v
		}
		e.Changes = changes
	}
	if e.Metadata != nil {
		meta := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
