package domain

import dErrors "phiguard/pkg/domain-errors"

// Role is the RBAC role an actor operates under.
// Invariant: the value must be one of the roles in roleRanks.
//
// Usage: construct via ParseRole at trust boundaries; direct casting bypasses
// validation.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleBilling    Role = "billing"
	RoleRBT        Role = "rbt"
	RoleParent     Role = "parent"
	RoleReadonly   Role = "readonly"
)

// roleRanks is the strict total order used to gate role management.
// Higher rank manages lower rank.
var roleRanks = map[Role]int{
	RoleAdmin:      6,
	RoleSupervisor: 5,
	RoleBilling:    4,
	RoleRBT:        3,
	RoleParent:     2,
	RoleReadonly:   1,
}

// AllRoles returns every known role ordered from highest to lowest rank.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleSupervisor, RoleBilling, RoleRBT, RoleParent, RoleReadonly}
}

// ParseRole constructs a Role from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unknown.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "role cannot be empty")
	}
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid role: "+s)
	}
	return r, nil
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the role's position in the management order; unknown roles rank 0.
func (r Role) Rank() int {
	return roleRanks[r]
}

// Outranks reports whether r sits strictly above other in the management order.
func (r Role) Outranks(other Role) bool {
	return r.IsValid() && r.Rank() > other.Rank()
}

func (r Role) String() string { return string(r) }
