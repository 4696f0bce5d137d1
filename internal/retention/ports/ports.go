package ports

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks ResourceStore,Archiver,AuditLogger,HoldStore,JobStore,TreatmentChecker

import (
	"context"
	"time"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
)

// ResourceStore is the retention view of one external record store.
type ResourceStore interface {
	// FindExpired returns records last modified strictly before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]models.Record, error)
	Delete(ctx context.Context, id string) error
}

// Archiver records the intent to archive a record before deletion and returns
// where it was archived.
type Archiver interface {
	Archive(ctx context.Context, rec models.Record) (string, error)
}

// AuditLogger is the slice of the audit log retention depends on. Log must be
// durable on return; DeleteOlderThan is reserved for audit-log retention.
type AuditLogger interface {
	Log(ctx context.Context, in audit.Input) (*audit.Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HoldStore persists legal and compliance holds keyed by resource id.
type HoldStore interface {
	// Place stores h. Returns sentinel.ErrConflict if the id is already held.
	Place(ctx context.Context, h models.Hold) error
	// Release removes the hold and reports whether one existed.
	Release(ctx context.Context, resourceID string) (bool, error)
	IsHeld(ctx context.Context, resourceID string) (bool, error)
	List(ctx context.Context) ([]models.Hold, error)
}

// JobStore keeps job history for reporting.
type JobStore interface {
	Save(ctx context.Context, job *models.Job) error
	// Latest returns the most recently started job for rt, or
	// sentinel.ErrNotFound.
	Latest(ctx context.Context, rt domain.ResourceType) (*models.Job, error)
	// List returns jobs for rt newest first, at most limit when limit > 0.
	List(ctx context.Context, rt domain.ResourceType, limit int) ([]*models.Job, error)
}

// TreatmentChecker reports whether a patient is in active treatment. It backs
// the active-treatment exemption for records that only carry a patient id.
type TreatmentChecker interface {
	InActiveTreatment(ctx context.Context, patientID string) (bool, error)
}
