package adapters

import (
	"context"
	"fmt"
	"time"

	"phiguard/internal/retention/models"
	"phiguard/internal/retention/ports"
)

// ListFilter narrows a collaborator listing to retention candidates.
type ListFilter struct {
	UpdatedBefore time.Time
	// Status, when set, restricts the listing to one record status.
	Status string
}

// Lister is the minimum an external record store must expose to take part in
// retention: a filtered listing and a delete by id.
type Lister[T any] interface {
	List(ctx context.Context, filter ListFilter) ([]T, error)
	Delete(ctx context.Context, id string) error
}

// Store adapts a Lister of native records into a ports.ResourceStore.
type Store[T any] struct {
	src     Lister[T]
	convert func(T) models.Record
}

// NewStore wraps src. convert maps each native record onto its Record kind.
func NewStore[T any](src Lister[T], convert func(T) models.Record) *Store[T] {
	return &Store[T]{src: src, convert: convert}
}

// FindExpired lists candidates and converts them. Records the collaborator
// returned despite being too recent are dropped here, so a loose filter on
// its side cannot widen what gets deleted.
func (s *Store[T]) FindExpired(ctx context.Context, cutoff time.Time) ([]models.Record, error) {
	items, err := s.src.List(ctx, ListFilter{UpdatedBefore: cutoff})
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	out := make([]models.Record, 0, len(items))
	for _, item := range items {
		rec := s.convert(item)
		if rec == nil {
			continue
		}
		if !rec.ModifiedAt().IsZero() && !rec.ModifiedAt().Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.src.Delete(ctx, id)
}

var _ ports.ResourceStore = (*Store[models.PatientRecord])(nil)
