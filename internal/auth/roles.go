package auth

import "strings"

// Role is the caller's billing permission level.
type Role string

const (
	// RoleViewer reads executions and schedules.
	RoleViewer Role = "viewer"
	// RoleOperator may also trigger billing runs.
	RoleOperator Role = "operator"
	// RoleAdmin may also change billing data.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string, ignoring case and surrounding space.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// Satisfies reports whether r grants at least required.
func (r Role) Satisfies(required Role) bool {
	rank, ok := roleRanks[r]
	return ok && rank >= roleRanks[required]
}
