package access

import (
	"slices"

	"phiguard/pkg/domain"
)

func perm(resource domain.ResourceType, scope domain.Scope, actions ...domain.Action) domain.Permission {
	return domain.Permission{Resource: resource, Actions: actions, Scope: scope}
}

// DefaultRolePermissions is the static role table. Permissions are evaluated
// in order and the first one that matches and passes its scope wins, so each
// role's entries are authored not to overlap.
var DefaultRolePermissions = map[domain.Role][]domain.Permission{
	domain.RoleAdmin: {
		perm(domain.ResourceAny, domain.ScopeAll, domain.ActionAny),
	},
	domain.RoleSupervisor: {
		perm(domain.ResourcePatient, domain.ScopeAll,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate, domain.ActionExport, domain.ActionPrint),
		perm(domain.ResourceAppointment, domain.ScopeAll,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate, domain.ActionDelete),
		perm(domain.ResourceAuthorization, domain.ScopeAll,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate),
		perm(domain.ResourceProgressReport, domain.ScopeAll,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate, domain.ActionExport, domain.ActionPrint, domain.ActionShare),
		perm(domain.ResourceSchedule, domain.ScopeAll, domain.ActionAny),
		perm(domain.ResourceFAQ, domain.ScopeAll, domain.ActionAny),
		perm(domain.ResourceUser, domain.ScopeAll, domain.ActionRead, domain.ActionUpdate),
		perm(domain.ResourceAuditLog, domain.ScopeAll, domain.ActionRead),
	},
	domain.RoleBilling: {
		perm(domain.ResourceBilling, domain.ScopeAll, domain.ActionAny),
		perm(domain.ResourceAuthorization, domain.ScopeAll, domain.ActionRead, domain.ActionUpdate),
		perm(domain.ResourcePatient, domain.ScopeAll, domain.ActionRead),
		perm(domain.ResourceAppointment, domain.ScopeAll, domain.ActionRead),
		perm(domain.ResourceFAQ, domain.ScopeAll, domain.ActionRead),
	},
	domain.RoleRBT: {
		perm(domain.ResourcePatient, domain.ScopeAssigned, domain.ActionRead),
		perm(domain.ResourceAppointment, domain.ScopeAssigned, domain.ActionRead, domain.ActionUpdate),
		perm(domain.ResourceProgressReport, domain.ScopeAssigned,
			domain.ActionCreate, domain.ActionRead, domain.ActionUpdate),
		perm(domain.ResourceSchedule, domain.ScopeOwn, domain.ActionRead),
		perm(domain.ResourceFAQ, domain.ScopeAll, domain.ActionRead),
	},
	domain.RoleParent: {
		perm(domain.ResourcePatient, domain.ScopeOwn, domain.ActionRead),
		perm(domain.ResourceAppointment, domain.ScopeOwn, domain.ActionRead),
		perm(domain.ResourceProgressReport, domain.ScopeOwn, domain.ActionRead),
		perm(domain.ResourceSchedule, domain.ScopeOwn, domain.ActionRead),
		perm(domain.ResourceFAQ, domain.ScopeAll, domain.ActionRead),
	},
	domain.RoleReadonly: {
		perm(domain.ResourceFAQ, domain.ScopeAll, domain.ActionRead),
		perm(domain.ResourceSchedule, domain.ScopeAll, domain.ActionRead),
	},
}

// RolePermissions returns a copy of the role's default permissions.
func RolePermissions(role domain.Role) []domain.Permission {
	return clonePermissions(DefaultRolePermissions[role])
}

func clonePermissions(perms []domain.Permission) []domain.Permission {
	out := make([]domain.Permission, len(perms))
	for i, p := range perms {
		p.Actions = slices.Clone(p.Actions)
		out[i] = p
	}
	return out
}
