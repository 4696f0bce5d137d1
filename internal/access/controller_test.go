package access

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"phiguard/internal/access/metrics"
	"phiguard/internal/access/mocks"
	"phiguard/internal/access/store/permission"
	auditsvc "phiguard/internal/audit"
	"phiguard/internal/notify"
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
	audit "phiguard/pkg/platform/audit"
	"phiguard/pkg/platform/audit/store/memory"
	"phiguard/pkg/testutil"
)

// =============================================================================
// Access Controller Test Suite
// =============================================================================
// Justification: the controller is the PHI gate. Tests pin first-match-wins
// evaluation, scope semantics, the audit-before-deny invariant and custom
// permission layering.

type ControllerSuite struct {
	suite.Suite
	auditStore *memory.InMemoryStore
	auditLog   *auditsvc.Service
	perms      *permission.InMemoryStore
	events     *testutil.Recorder
	metrics    *metrics.Metrics
	controller *Controller
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditStore = memory.NewInMemoryStore()
	auditLog, err := auditsvc.New(s.auditStore, auditsvc.WithLogger(logger))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = auditLog.Close(context.Background()) })
	s.auditLog = auditLog

	s.perms = permission.NewInMemoryStore()
	s.events = &testutil.Recorder{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.controller, err = New(s.auditLog, s.perms,
		WithLogger(logger),
		WithObserver(s.events),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
}

func (s *ControllerSuite) deniedEntries() []audit.Entry {
	entries, _, err := s.auditStore.Query(context.Background(), audit.Filter{Outcome: audit.OutcomeDenied}, audit.Page{})
	s.Require().NoError(err)
	return entries
}

func rbtReadsPatient(requester string, assigned ...string) Request {
	return Request{
		Actor:           Actor{UserID: requester, Role: domain.RoleRBT, SessionID: "sess", IP: "10.1.1.1"},
		ResourceType:    domain.ResourcePatient,
		ResourceID:      "p-1",
		PatientID:       "p-1",
		Action:          domain.ActionRead,
		AssignedUserIDs: assigned,
	}
}

func (s *ControllerSuite) TestNew() {
	s.Run("nil audit log returns error", func() {
		_, err := New(nil, s.perms)
		s.Require().Error(err)
		s.Contains(err.Error(), "audit log is required")
	})

	s.Run("nil permission store returns error", func() {
		_, err := New(s.auditLog, nil)
		s.Require().Error(err)
		s.Contains(err.Error(), "permission store is required")
	})
}

func (s *ControllerSuite) TestAssignedScope() {
	ctx := context.Background()

	s.Run("assigned requester is allowed and nothing is audited", func() {
		d, err := s.controller.CheckAccess(ctx, rbtReadsPatient("rbt-1", "rbt-1"))
		s.Require().NoError(err)
		s.True(d.Allowed)
		s.Equal(0, s.auditStore.Len())
		s.Empty(s.events.Events())
	})

	s.Run("unassigned requester is denied with exactly one audit entry", func() {
		d, err := s.controller.CheckAccess(ctx, rbtReadsPatient("rbt-2", "rbt-1"))
		s.Require().NoError(err)
		s.False(d.Allowed)
		s.Equal("patient:read", d.RequiredPermission)
		s.Equal(ReasonInsufficientPermissions, d.Reason)

		denied := s.deniedEntries()
		s.Require().Len(denied, 1)
		s.Equal("rbt-2", denied[0].Actor.UserID)
		s.Equal("patient:read", denied[0].Metadata["requiredPermission"])
		s.Equal("p-1", denied[0].Resource.PatientID)
		s.NotEmpty(denied[0].Actor.IPHash)

		events := s.events.OfType(notify.EventAccessDenied)
		s.Require().Len(events, 1)
		s.Equal("rbt-2", events[0].ActorID)
	})
}

func (s *ControllerSuite) TestScopes() {
	ctx := context.Background()

	s.Run("own scope compares owner to requester", func() {
		req := Request{
			Actor:           Actor{UserID: "parent-1", Role: domain.RoleParent},
			ResourceType:    domain.ResourceProgressReport,
			ResourceID:      "pr-1",
			Action:          domain.ActionRead,
			ResourceOwnerID: "parent-1",
		}
		d, err := s.controller.CheckAccess(ctx, req)
		s.Require().NoError(err)
		s.True(d.Allowed)

		req.ResourceOwnerID = "parent-2"
		d, err = s.controller.CheckAccess(ctx, req)
		s.Require().NoError(err)
		s.False(d.Allowed)
	})

	s.Run("empty owner never satisfies own scope", func() {
		d, err := s.controller.CheckAccess(ctx, Request{
			Actor:        Actor{UserID: "parent-1", Role: domain.RoleParent},
			ResourceType: domain.ResourcePatient,
			Action:       domain.ActionRead,
		})
		s.Require().NoError(err)
		s.False(d.Allowed)
	})

	s.Run("admin wildcard allows everything", func() {
		d, err := s.controller.CheckAccess(ctx, Request{
			Actor:        Actor{UserID: "admin-1", Role: domain.RoleAdmin},
			ResourceType: domain.ResourceAuditLog,
			Action:       domain.ActionDelete,
		})
		s.Require().NoError(err)
		s.True(d.Allowed)
	})

	s.Run("unknown role has no permissions", func() {
		d, err := s.controller.CheckAccess(ctx, Request{
			Actor:        Actor{UserID: "x", Role: "intern"},
			ResourceType: domain.ResourceFAQ,
			Action:       domain.ActionRead,
		})
		s.Require().NoError(err)
		s.False(d.Allowed)
	})
}

func (s *ControllerSuite) TestFirstMatchWins() {
	roles := map[domain.Role][]domain.Permission{
		domain.RoleRBT: {
			{Resource: domain.ResourcePatient, Actions: []domain.Action{domain.ActionRead}, Scope: domain.ScopeOwn},
			{Resource: domain.ResourceAny, Actions: []domain.Action{domain.ActionRead}, Scope: domain.ScopeAssigned},
		},
	}
	c, err := New(s.auditLog, s.perms, WithRoleTable(roles))
	s.Require().NoError(err)

	// The own-scoped entry matches structurally but fails scope, so
	// evaluation continues to the assigned-scoped wildcard.
	d, err := c.CheckAccess(context.Background(), rbtReadsPatient("rbt-1", "rbt-1"))
	s.Require().NoError(err)
	s.True(d.Allowed)
}

func (s *ControllerSuite) TestRequireAccess() {
	ctx := context.Background()

	s.Run("denial is a DeniedError carrying the required permission", func() {
		err := s.controller.RequireAccess(ctx, rbtReadsPatient("rbt-2", "rbt-1"))
		s.Require().Error(err)

		var denied *DeniedError
		s.Require().ErrorAs(err, &denied)
		s.Equal("patient:read", denied.RequiredPermission)
		s.Equal("Insufficient permissions", err.Error())
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("allowed request returns nil", func() {
		s.NoError(s.controller.RequireAccess(ctx, rbtReadsPatient("rbt-1", "rbt-1")))
	})

	s.Run("malformed request is rejected without auditing", func() {
		before := s.auditStore.Len()
		err := s.controller.RequireAccess(ctx, Request{Actor: Actor{Role: domain.RoleRBT}, ResourceType: domain.ResourcePatient, Action: domain.ActionRead})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		s.Equal(before, s.auditStore.Len())
	})
}

func (s *ControllerSuite) TestCustomPermissions() {
	ctx := testutil.ActorContext("admin-1", domain.RoleAdmin)
	grant := domain.Permission{Resource: domain.ResourceBilling, Actions: []domain.Action{domain.ActionRead}, Scope: domain.ScopeAll}
	req := Request{
		Actor:        Actor{UserID: "rbt-1", Role: domain.RoleRBT},
		ResourceType: domain.ResourceBilling,
		Action:       domain.ActionRead,
	}

	d, err := s.controller.CheckAccess(ctx, req)
	s.Require().NoError(err)
	s.False(d.Allowed)

	s.Require().NoError(s.controller.AddCustomPermission(ctx, "rbt-1", grant))
	d, err = s.controller.CheckAccess(ctx, req)
	s.Require().NoError(err)
	s.True(d.Allowed)

	perms, err := s.controller.Permissions(ctx, domain.RoleRBT, "rbt-1")
	s.Require().NoError(err)
	s.Len(perms, len(DefaultRolePermissions[domain.RoleRBT])+1, "custom permissions layer on top of role defaults")
	s.True(perms[len(perms)-1].Equal(grant))

	removed, err := s.controller.RemoveCustomPermission(ctx, "rbt-1", grant)
	s.Require().NoError(err)
	s.True(removed)
	d, err = s.controller.CheckAccess(ctx, req)
	s.Require().NoError(err)
	s.False(d.Allowed)

	s.Require().NoError(s.controller.ClearCustomPermissions(ctx, "rbt-1"))
	perms, err = s.controller.Permissions(ctx, domain.RoleRBT, "rbt-1")
	s.Require().NoError(err)
	s.Len(perms, len(DefaultRolePermissions[domain.RoleRBT]), "role defaults survive clearing")

	changes, _, err := s.auditStore.Query(context.Background(), audit.Filter{ResourceType: domain.ResourceUser}, audit.Page{})
	s.Require().NoError(err)
	s.Len(changes, 3)
	s.Equal("admin-1", changes[0].Actor.UserID)

	s.Run("invalid permission is rejected", func() {
		err := s.controller.AddCustomPermission(ctx, "rbt-1", domain.Permission{Resource: domain.ResourceBilling, Scope: domain.ScopeAll})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *ControllerSuite) TestIntrospection() {
	s.Run("accessible resources", func() {
		s.ElementsMatch(
			[]domain.ResourceType{domain.ResourcePatient, domain.ResourceAppointment, domain.ResourceProgressReport, domain.ResourceSchedule, domain.ResourceFAQ},
			s.controller.AccessibleResources(domain.RoleRBT, domain.ActionRead),
		)
		s.Equal(domain.AllResourceTypes(), s.controller.AccessibleResources(domain.RoleAdmin, domain.ActionExport))
		s.Empty(s.controller.AccessibleResources(domain.RoleReadonly, domain.ActionDelete))
	})

	s.Run("allowed actions", func() {
		s.ElementsMatch(
			[]domain.Action{domain.ActionRead, domain.ActionUpdate},
			s.controller.AllowedActions(domain.RoleRBT, domain.ResourceAppointment),
		)
		s.Equal(domain.AllActions(), s.controller.AllowedActions(domain.RoleSupervisor, domain.ResourceSchedule))
		s.Empty(s.controller.AllowedActions(domain.RoleParent, domain.ResourceBilling))
	})

	s.Run("role management follows strict rank order", func() {
		s.True(CanManageRole(domain.RoleAdmin, domain.RoleSupervisor))
		s.True(CanManageRole(domain.RoleSupervisor, domain.RoleRBT))
		s.False(CanManageRole(domain.RoleRBT, domain.RoleRBT))
		s.False(CanManageRole(domain.RoleParent, domain.RoleBilling))
	})
}

func (s *ControllerSuite) TestMetrics() {
	ctx := context.Background()
	_, _ = s.controller.CheckAccess(ctx, rbtReadsPatient("rbt-1", "rbt-1"))
	_, _ = s.controller.CheckAccess(ctx, rbtReadsPatient("rbt-2", "rbt-1"))

	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Decisions.WithLabelValues("rbt", "allowed")))
	s.Equal(float64(1), promtest.ToFloat64(s.metrics.Decisions.WithLabelValues("rbt", "denied")))
}

// =============================================================================
// Failure paths (mocked ports)
// =============================================================================

func TestCheckAccessFailsClosed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("denial audit failure is returned with a denial", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		auditLog := mocks.NewMockAuditLogger(ctrl)
		perms := mocks.NewMockPermissionStore(ctrl)
		events := &testutil.Recorder{}

		perms.EXPECT().List(gomock.Any(), "rbt-2").Return(nil, nil).Times(2)
		auditLog.EXPECT().Log(gomock.Any(), gomock.Any()).Return(nil, errors.New("audit store down")).Times(2)

		c, err := New(auditLog, perms, WithLogger(logger), WithObserver(events))
		if err != nil {
			t.Fatal(err)
		}
		d, err := c.CheckAccess(context.Background(), rbtReadsPatient("rbt-2", "rbt-1"))
		if err == nil || d.Allowed {
			t.Fatalf("expected denial with error, got allowed=%v err=%v", d.Allowed, err)
		}
		if len(events.Events()) != 0 {
			t.Fatal("no event may be emitted for an unaudited denial")
		}
		if err := c.RequireAccess(context.Background(), rbtReadsPatient("rbt-2", "rbt-1")); err == nil {
			t.Fatal("RequireAccess must fail when the denial cannot be audited")
		}
	})

	t.Run("custom permission lookup failure denies", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		auditLog := mocks.NewMockAuditLogger(ctrl)
		perms := mocks.NewMockPermissionStore(ctrl)

		perms.EXPECT().List(gomock.Any(), "rbt-2").Return(nil, errors.New("redis timeout"))
		auditLog.EXPECT().Log(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, in audit.Input) (*audit.Entry, error) {
				if in.DenialReason != ReasonPermissionLookupFailed {
					t.Errorf("unexpected denial reason %q", in.DenialReason)
				}
				return &audit.Entry{}, nil
			})

		c, err := New(auditLog, perms, WithLogger(logger))
		if err != nil {
			t.Fatal(err)
		}
		d, err := c.CheckAccess(context.Background(), rbtReadsPatient("rbt-2", "rbt-1"))
		if err == nil || d.Allowed {
			t.Fatalf("expected denial with error, got allowed=%v err=%v", d.Allowed, err)
		}
	})
}
