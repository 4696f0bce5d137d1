package access

import (
	"phiguard/pkg/domain"
	dErrors "phiguard/pkg/domain-errors"
)

const (
	ReasonInsufficientPermissions = "Insufficient permissions"
	ReasonPermissionLookupFailed  = "Permission lookup failed"
)

// Actor is the authenticated caller making a request.
type Actor struct {
	UserID    string
	Role      domain.Role
	SessionID string
	IP        string
	UserAgent string
}

// Request asks whether Actor may perform Action on a resource.
//
// ResourceOwnerID is consulted for own-scoped permissions and
// AssignedUserIDs for assigned-scoped ones.
type Request struct {
	Actor           Actor
	ResourceType    domain.ResourceType
	ResourceID      string
	Action          domain.Action
	PatientID       string
	ResourceOwnerID string
	AssignedUserIDs []string
}

// Decision is the result of an access check.
type Decision struct {
	Allowed            bool
	Reason             string
	RequiredPermission string
}

// DeniedError is returned by RequireAccess on denial. Callers must treat it
// as a hard stop and not retry.
type DeniedError struct {
	RequiredPermission string
	Reason             string
	err                error
}

func newDeniedError(d Decision) *DeniedError {
	return &DeniedError{
		RequiredPermission: d.RequiredPermission,
		Reason:             d.Reason,
		err:                dErrors.New(dErrors.CodeForbidden, ReasonInsufficientPermissions),
	}
}

func (e *DeniedError) Error() string { return ReasonInsufficientPermissions }

func (e *DeniedError) Unwrap() error { return e.err }
