package domain

import dErrors "phiguard/pkg/domain-errors"

// Wildcard matches any resource type or any action in a Permission.
const Wildcard = "*"

// ResourceType names a class of records guarded by access control and
// subject to retention.
type ResourceType string

const (
	ResourcePatient        ResourceType = "patient"
	ResourceAppointment    ResourceType = "appointment"
	ResourceAuthorization  ResourceType = "authorization"
	ResourceProgressReport ResourceType = "progress-report"
	ResourceSchedule       ResourceType = "schedule"
	ResourceFAQ            ResourceType = "faq"
	ResourceBilling        ResourceType = "billing"
	ResourceUser           ResourceType = "user"
	ResourceAuditLog       ResourceType = "audit-log"

	// ResourceAny is the wildcard resource type.
	ResourceAny ResourceType = Wildcard
)

var knownResourceTypes = []ResourceType{
	ResourcePatient,
	ResourceAppointment,
	ResourceAuthorization,
	ResourceProgressReport,
	ResourceSchedule,
	ResourceFAQ,
	ResourceBilling,
	ResourceUser,
	ResourceAuditLog,
}

// phiResources hold protected health information.
var phiResources = map[ResourceType]bool{
	ResourcePatient:        true,
	ResourceAppointment:    true,
	ResourceAuthorization:  true,
	ResourceProgressReport: true,
	ResourceBilling:        true,
}

// AllResourceTypes returns the concrete resource types, excluding the wildcard.
func AllResourceTypes() []ResourceType {
	return append([]ResourceType(nil), knownResourceTypes...)
}

// ParseResourceType constructs a concrete ResourceType from external input.
//
// Errors: returns CodeInvalidInput for empty, wildcard or unknown values.
func ParseResourceType(s string) (ResourceType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "resource type cannot be empty")
	}
	rt := ResourceType(s)
	if !rt.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid resource type: "+s)
	}
	return rt, nil
}

// IsValid reports whether rt is a known concrete resource type.
func (rt ResourceType) IsValid() bool {
	for _, known := range knownResourceTypes {
		if rt == known {
			return true
		}
	}
	return false
}

// IsPHI reports whether records of this type carry PHI.
func (rt ResourceType) IsPHI() bool { return phiResources[rt] }

func (rt ResourceType) String() string { return string(rt) }

// Action is an operation performed on a resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionPrint  Action = "print"
	ActionShare  Action = "share"
	ActionLogin  Action = "login"
	ActionLogout Action = "logout"

	// ActionAny is the wildcard action.
	ActionAny Action = Wildcard
)

var knownActions = []Action{
	ActionCreate,
	ActionRead,
	ActionUpdate,
	ActionDelete,
	ActionExport,
	ActionPrint,
	ActionShare,
	ActionLogin,
	ActionLogout,
}

// AllActions returns the concrete actions, excluding the wildcard.
func AllActions() []Action {
	return append([]Action(nil), knownActions...)
}

// ParseAction constructs a concrete Action from external input.
//
// Errors: returns CodeInvalidInput for empty, wildcard or unknown values.
func ParseAction(s string) (Action, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "action cannot be empty")
	}
	a := Action(s)
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid action: "+s)
	}
	return a, nil
}

// IsValid reports whether a is a known concrete action.
func (a Action) IsValid() bool {
	for _, known := range knownActions {
		if a == known {
			return true
		}
	}
	return false
}

func (a Action) String() string { return string(a) }
