package access

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks AuditLogger,PermissionStore

import (
	"context"

	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
)

// AuditLogger records access decisions. Writes must be durable on return.
type AuditLogger interface {
	Log(ctx context.Context, in audit.Input) (*audit.Entry, error)
}

// PermissionStore holds per-user permissions layered on top of role defaults.
type PermissionStore interface {
	List(ctx context.Context, userID string) ([]domain.Permission, error)
	// Add appends p unless an equal permission is already present.
	Add(ctx context.Context, userID string, p domain.Permission) error
	// Remove deletes the first permission equal to p and reports whether
	// one was found.
	Remove(ctx context.Context, userID string, p domain.Permission) (bool, error)
	Clear(ctx context.Context, userID string) error
}
