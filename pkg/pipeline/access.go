package pipeline

import "fmt"

// Permission is a named capability in the static access policy.
type Permission string

const (
	PermRead         Permission = "data:read"
	PermUpdateSingle Permission = "data:update:single"
	PermUpdateMulti  Permission = "data:update:multi"
	PermDelete       Permission = "data:delete"
	PermApprove      Permission = "admin:approval"
)

// rolePermissions is the single source of truth for access decisions. Static
// by design: no per-request database lookups.
var rolePermissions = map[Role]map[Permission]bool{
	RoleViewer: {
		PermRead: true,
	},
	RoleEditor: {
		PermRead:         true,
		PermUpdateSingle: true,
		PermUpdateMulti:  true,
	},
	RoleAdmin: {
		PermRead:         true,
		PermUpdateSingle: true,
		PermUpdateMulti:  true,
		PermDelete:       true,
		PermApprove:      true,
	},
}

// HasPermission reports whether the role holds the permission.
func HasPermission(role Role, p Permission) bool {
	return rolePermissions[role][p]
}

// RequiredPermission maps an intent to the permission it needs.
func RequiredPermission(intent Intent) Permission {
	switch intent {
	case IntentUpdateSingle:
		return PermUpdateSingle
	case IntentUpdateMulti:
		return PermUpdateMulti
	case IntentDelete:
		return PermDelete
	default:
		return PermRead
	}
}

// EvaluateAccess decides whether the actor's role may perform the intent.
// Pure function of (role, intent). Write intents never silently fail for
// non-admins: an ungranted write escalates to NEEDS_APPROVAL instead of
// REJECTED.
func EvaluateAccess(role Role, intent Intent) (AccessStatus, string) {
	required := RequiredPermission(intent)
	granted := rolePermissions[role]

	if granted[required] {
		return AccessAllowed, "access granted"
	}

	if intent.IsWrite() && role != RoleAdmin {
		return AccessNeedsApproval, "this operation requires admin approval"
	}

	return AccessRejected, fmt.Sprintf("role %q lacks permission %q", role, required)
}

// CanExecuteDirectly reports whether the actor may run the statement without
// a human approval. Derived from the same policy table as EvaluateAccess:
// reads run directly when granted, writes run directly only for roles that
// hold the approval capability themselves.
func CanExecuteDirectly(role Role, intent Intent) bool {
	granted := rolePermissions[role]
	if !granted[RequiredPermission(intent)] {
		return false
	}
	if intent.IsWrite() {
		return granted[PermApprove]
	}
	return true
}

// EvaluateAccessStage applies EvaluateAccess to the run context.
func (p *Pipeline) EvaluateAccessStage(c Context) Context {
	c.AccessStatus, c.AccessMessage = EvaluateAccess(c.Actor.Role, c.Intent)
	p.log.Debug("pipeline: access evaluated",
		"role", c.Actor.Role,
		"intent", c.Intent,
		"status", c.AccessStatus)
	return c
}
