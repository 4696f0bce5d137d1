package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"phiguard/internal/notify"
	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/sentinel"
	"phiguard/pkg/requestcontext"
)

// PlaceHold blocks archive and delete of resourceID under every policy until
// released. The acting user is taken from ctx.
//
// Errors:
//   - CodeInvalidInput when resourceID or reason is empty.
//   - CodeConflict when resourceID is already held.
//   - the audit write error; the hold stays in place.
func (m *Manager) PlaceHold(ctx context.Context, resourceID, reason string) (*models.Hold, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "hold requires a resource id")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "hold requires a reason")
	}
	h := models.Hold{
		ResourceID: resourceID,
		Reason:     reason,
		PlacedBy:   actingUser(ctx),
		PlacedAt:   m.now(),
	}
	if err := m.holds.Place(ctx, h); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "resource is already on hold")
		}
		return nil, fmt.Errorf("place hold: %w", err)
	}
	m.refreshHoldGauge(ctx)

	if err := m.recordHoldChange(ctx, h.PlacedBy, resourceID, "placed", reason); err != nil {
		return &h, err
	}
	m.observer.Notify(ctx, notify.Event{
		Type:       notify.EventHoldPlaced,
		Timestamp:  h.PlacedAt,
		ActorID:    h.PlacedBy,
		ResourceID: resourceID,
		Data:       map[string]any{"reason": reason},
	})
	return &h, nil
}

// ReleaseHold lifts a hold. Returns false if resourceID was not held.
func (m *Manager) ReleaseHold(ctx context.Context, resourceID string) (bool, error) {
	released, err := m.holds.Release(ctx, resourceID)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	if !released {
		return false, nil
	}
	m.refreshHoldGauge(ctx)

	actorID := actingUser(ctx)
	if err := m.recordHoldChange(ctx, actorID, resourceID, "released", ""); err != nil {
		return true, err
	}
	m.observer.Notify(ctx, notify.Event{
		Type:       notify.EventHoldReleased,
		Timestamp:  m.now(),
		ActorID:    actorID,
		ResourceID: resourceID,
	})
	return true, nil
}

// IsOnHold reports whether resourceID is held.
func (m *Manager) IsOnHold(ctx context.Context, resourceID string) (bool, error) {
	return m.holds.IsHeld(ctx, resourceID)
}

// Holds lists active holds, oldest first.
func (m *Manager) Holds(ctx context.Context) ([]models.Hold, error) {
	return m.holds.List(ctx)
}

func (m *Manager) recordHoldChange(ctx context.Context, actorID, resourceID, change, reason string) error {
	meta := map[string]any{
		"holdChange":     change,
		"heldResourceId": resourceID,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	if _, err := m.auditLog.Log(ctx, audit.Input{
		Actor:    m.actor(ctx, actorID),
		Action:   domain.ActionUpdate,
		Resource: audit.Resource{Type: domain.ResourceAuditLog, ID: resourceID},
		Metadata: meta,
	}); err != nil {
		m.logger.ErrorContext(ctx, "CRITICAL: hold change could not be audited",
			"resource_id", resourceID,
			"change", change,
			"error", err,
		)
		return fmt.Errorf("audit hold %s: %w", change, err)
	}
	m.logger.InfoContext(ctx, "retention hold "+change,
		"resource_id", resourceID,
		"actor_id", actorID,
	)
	return nil
}

func (m *Manager) refreshHoldGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	holds, err := m.holds.List(ctx)
	if err != nil {
		return
	}
	m.metrics.SetActiveHolds(len(holds))
}

func actingUser(ctx context.Context) string {
	if id := requestcontext.UserID(ctx); id != "" {
		return id
	}
	return "system"
}
