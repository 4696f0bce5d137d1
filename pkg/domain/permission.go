package domain

import (
	"slices"

	dErrors "phiguard/pkg/domain-errors"
)

// Scope is the breadth of records a permission applies to.
type Scope string

const (
	// ScopeOwn grants access only to records owned by the requester.
	ScopeOwn Scope = "own"
	// ScopeAssigned grants access when the requester is in the assignment list.
	ScopeAssigned Scope = "assigned"
	// ScopeAll grants unrestricted access.
	ScopeAll Scope = "all"
)

// IsValid reports whether s is a known scope.
func (s Scope) IsValid() bool {
	return s == ScopeOwn || s == ScopeAssigned || s == ScopeAll
}

// Permission is one allowed (resource, action-set, scope) tuple.
// Resource may be ResourceAny; Actions may contain ActionAny.
type Permission struct {
	Resource ResourceType `json:"resource"`
	Actions  []Action     `json:"actions"`
	Scope    Scope        `json:"scope"`
}

// Validate checks the permission is well formed.
func (p Permission) Validate() error {
	if p.Resource != ResourceAny && !p.Resource.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid permission resource: "+string(p.Resource))
	}
	if len(p.Actions) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "permission requires at least one action")
	}
	for _, a := range p.Actions {
		if a != ActionAny && !a.IsValid() {
			return dErrors.New(dErrors.CodeInvalidInput, "invalid permission action: "+string(a))
		}
	}
	if !p.Scope.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid permission scope: "+string(p.Scope))
	}
	return nil
}

// Matches reports whether the permission structurally covers the resource
// type and action. Scope is evaluated separately.
func (p Permission) Matches(resource ResourceType, action Action) bool {
	if p.Resource != ResourceAny && p.Resource != resource {
		return false
	}
	return p.AllowsAction(action)
}

// AllowsAction reports whether action is in the permission's action set.
func (p Permission) AllowsAction(action Action) bool {
	return slices.Contains(p.Actions, ActionAny) || slices.Contains(p.Actions, action)
}

// Equal reports whether two permissions grant the same tuple, ignoring
// action order.
func (p Permission) Equal(other Permission) bool {
	if p.Resource != other.Resource || p.Scope != other.Scope || len(p.Actions) != len(other.Actions) {
		return false
	}
	for _, a := range p.Actions {
		if !slices.Contains(other.Actions, a) {
			return false
		}
	}
	return true
}

// PermissionKey is the composite "<resourceType>:<action>" identifier reported
// on denials.
func PermissionKey(resource ResourceType, action Action) string {
	return string(resource) + ":" + string(action)
}
