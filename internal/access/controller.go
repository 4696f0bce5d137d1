// Package access decides whether an actor may perform an operation on a
// PHI-bearing resource under the own/assigned/all scope model.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"phiguard/internal/access/metrics"
	"phiguard/internal/notify"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/requestcontext"
)

const tracerName = "phiguard/internal/access"

// Controller evaluates access requests against the role table and per-user
// custom permissions.
//
// Invariant: every denial is audited before the caller observes it.
// Successful checks write nothing; the caller logs the PHI touch itself.
type Controller struct {
	auditLog    AuditLogger
	permissions PermissionStore
	roles       map[domain.Role][]domain.Permission
	observer    notify.Observer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// Option configures the Controller.
type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithObserver sets the receiver of access.denied events.
func WithObserver(o notify.Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithRoleTable replaces DefaultRolePermissions.
func WithRoleTable(roles map[domain.Role][]domain.Permission) Option {
	return func(c *Controller) {
		c.roles = roles
	}
}

func New(auditLog AuditLogger, permissions PermissionStore, opts ...Option) (*Controller, error) {
	if auditLog == nil {
		return nil, errors.New("audit log is required")
	}
	if permissions == nil {
		return nil, errors.New("permission store is required")
	}
	c := &Controller{
		auditLog:    auditLog,
		permissions: permissions,
		roles:       DefaultRolePermissions,
		observer:    notify.Nop{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckAccess evaluates req. Permissions are the role defaults followed by
// the user's custom permissions; the first one that structurally matches and
// passes its scope allows the request.
//
// Errors:
//   - CodeInvalidInput when the request names no user, an unknown resource
//     type or an unknown action. No decision is made.
//   - the audit write error when a denial could not be recorded. The
//     returned decision is still a denial.
func (c *Controller) CheckAccess(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "access.CheckAccess", trace.WithAttributes(
		attribute.String("actor.role", string(req.Actor.Role)),
		attribute.String("resource.type", string(req.ResourceType)),
		attribute.String("action", string(req.Action)),
	))
	defer span.End()

	if err := validateRequest(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	allowed, lookupErr := c.evaluate(ctx, req)
	if allowed {
		span.SetAttributes(attribute.Bool("allowed", true))
		c.metrics.ObserveDecision(string(req.Actor.Role), true, msSince(start))
		return Decision{Allowed: true}, nil
	}

	decision := Decision{
		Allowed:            false,
		Reason:             ReasonInsufficientPermissions,
		RequiredPermission: domain.PermissionKey(req.ResourceType, req.Action),
	}
	if lookupErr != nil {
		decision.Reason = ReasonPermissionLookupFailed
	}
	span.SetAttributes(
		attribute.Bool("allowed", false),
		attribute.String("required_permission", decision.RequiredPermission),
	)

	err := c.recordDenial(ctx, req, decision)
	c.metrics.ObserveDecision(string(req.Actor.Role), false, msSince(start))
	if err = errors.Join(lookupErr, err); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return decision, err
	}
	return decision, nil
}

// RequireAccess is CheckAccess that fails with *DeniedError on denial.
func (c *Controller) RequireAccess(ctx context.Context, req Request) error {
	decision, err := c.CheckAccess(ctx, req)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return newDeniedError(decision)
	}
	return nil
}

func (c *Controller) evaluate(ctx context.Context, req Request) (bool, error) {
	if allowedBy(c.roles[req.Actor.Role], req) {
		return true, nil
	}
	custom, err := c.permissions.List(ctx, req.Actor.UserID)
	if err != nil {
		c.logger.ErrorContext(ctx, "custom permission lookup failed, evaluating role defaults only",
			"user_id", req.Actor.UserID,
			"error", err,
		)
		return false, fmt.Errorf("load custom permissions: %w", err)
	}
	return allowedBy(custom, req), nil
}

func allowedBy(perms []domain.Permission, req Request) bool {
	for _, p := range perms {
		if !p.Matches(req.ResourceType, req.Action) {
			continue
		}
		if scopeAllows(p.Scope, req) {
			return true
		}
	}
	return false
}

func scopeAllows(scope domain.Scope, req Request) bool {
	switch scope {
	case domain.ScopeAll:
		return true
	case domain.ScopeOwn:
		return req.ResourceOwnerID != "" && req.ResourceOwnerID == req.Actor.UserID
	case domain.ScopeAssigned:
		return slices.Contains(req.AssignedUserIDs, req.Actor.UserID)
	default:
		return false
	}
}

func (c *Controller) recordDenial(ctx context.Context, req Request, d Decision) error {
	_, err := c.auditLog.Log(ctx, audit.Input{
		Actor: audit.ActorInput{
			UserID:    req.Actor.UserID,
			Role:      req.Actor.Role,
			IP:        req.Actor.IP,
			SessionID: req.Actor.SessionID,
			UserAgent: req.Actor.UserAgent,
		},
		Action: req.Action,
		Resource: audit.Resource{
			Type:      req.ResourceType,
			ID:        req.ResourceID,
			PatientID: req.PatientID,
		},
		Outcome:      audit.OutcomeDenied,
		DenialReason: d.Reason,
		Metadata: map[string]any{
			"requiredPermission": d.RequiredPermission,
		},
	})
	if err != nil {
		c.metrics.IncDenialAuditFailure()
		c.logger.ErrorContext(ctx, "CRITICAL: access denial could not be audited",
			"user_id", req.Actor.UserID,
			"required_permission", d.RequiredPermission,
			"error", err,
		)
		return fmt.Errorf("record access denial: %w", err)
	}

	c.observer.Notify(ctx, notify.Event{
		Type:         notify.EventAccessDenied,
		Timestamp:    time.Now(),
		ActorID:      req.Actor.UserID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Data: map[string]any{
			"role":               string(req.Actor.Role),
			"action":             string(req.Action),
			"requiredPermission": d.RequiredPermission,
		},
	})
	return nil
}

func validateRequest(req Request) error {
	if req.Actor.UserID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "access request requires actor user id")
	}
	if !req.ResourceType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown resource type %q", req.ResourceType))
	}
	if !req.Action.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown action %q", req.Action))
	}
	return nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// ---------------------------------------------------------------------------
// Permission management
// ---------------------------------------------------------------------------

// Permissions returns the role defaults followed by the user's custom
// permissions, in evaluation order.
func (c *Controller) Permissions(ctx context.Context, role domain.Role, userID string) ([]domain.Permission, error) {
	perms := clonePermissions(c.roles[role])
	if userID == "" {
		return perms, nil
	}
	custom, err := c.permissions.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load custom permissions: %w", err)
	}
	return append(perms, custom...), nil
}

// AddCustomPermission grants p to userID on top of the role defaults.
func (c *Controller) AddCustomPermission(ctx context.Context, userID string, p domain.Permission) error {
	if userID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.permissions.Add(ctx, userID, p); err != nil {
		return fmt.Errorf("add custom permission: %w", err)
	}
	return c.recordPermissionChange(ctx, userID, "grant", &p)
}

// RemoveCustomPermission revokes a previously granted custom permission.
// Role defaults cannot be removed. Returns false if p was not granted.
func (c *Controller) RemoveCustomPermission(ctx context.Context, userID string, p domain.Permission) (bool, error) {
	removed, err := c.permissions.Remove(ctx, userID, p)
	if err != nil {
		return false, fmt.Errorf("remove custom permission: %w", err)
	}
	if !removed {
		return false, nil
	}
	return true, c.recordPermissionChange(ctx, userID, "revoke", &p)
}

// ClearCustomPermissions drops every custom permission for userID.
func (c *Controller) ClearCustomPermissions(ctx context.Context, userID string) error {
	if err := c.permissions.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear custom permissions: %w", err)
	}
	return c.recordPermissionChange(ctx, userID, "clear", nil)
}

func (c *Controller) recordPermissionChange(ctx context.Context, userID, change string, p *domain.Permission) error {
	actorID := requestcontext.UserID(ctx)
	if actorID == "" {
		actorID = "system"
	}
	meta := map[string]any{"permissionChange": change}
	if p != nil {
		meta["permission"] = fmt.Sprintf("%s:%v:%s", p.Resource, p.Actions, p.Scope)
	}
	if _, err := c.auditLog.Log(ctx, audit.Input{
		Actor: audit.ActorInput{
			UserID:    actorID,
			Role:      requestcontext.Role(ctx),
			IP:        requestcontext.ClientIP(ctx),
			SessionID: requestcontext.SessionID(ctx),
			UserAgent: requestcontext.UserAgent(ctx),
		},
		Action:   domain.ActionUpdate,
		Resource: audit.Resource{Type: domain.ResourceUser, ID: userID},
		Metadata: meta,
	}); err != nil {
		return fmt.Errorf("audit permission change: %w", err)
	}
	c.logger.InfoContext(ctx, "custom permissions changed",
		"user_id", userID,
		"change", change,
		"actor_id", actorID,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Role table introspection
// ---------------------------------------------------------------------------

// AccessibleResources lists the resource types role may perform action on
// under some scope. A wildcard resource expands to every resource type.
func (c *Controller) AccessibleResources(role domain.Role, action domain.Action) []domain.ResourceType {
	var out []domain.ResourceType
	for _, p := range c.roles[role] {
		if !p.AllowsAction(action) {
			continue
		}
		if p.Resource == domain.ResourceAny {
			return domain.AllResourceTypes()
		}
		if !slices.Contains(out, p.Resource) {
			out = append(out, p.Resource)
		}
	}
	return out
}

// AllowedActions lists the actions role may perform on resourceType under
// some scope. A wildcard action expands to every action.
func (c *Controller) AllowedActions(role domain.Role, resourceType domain.ResourceType) []domain.Action {
	var out []domain.Action
	for _, p := range c.roles[role] {
		if p.Resource != domain.ResourceAny && p.Resource != resourceType {
			continue
		}
		if slices.Contains(p.Actions, domain.ActionAny) {
			return domain.AllActions()
		}
		for _, a := range p.Actions {
			if !slices.Contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// CanManageRole reports whether manager strictly outranks target. It gates
// role administration, not resource access.
func CanManageRole(manager, target domain.Role) bool {
	return manager.Outranks(target)
}
