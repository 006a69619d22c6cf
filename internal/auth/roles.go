package auth

// Role represents an admin role for role-based access control
type Role string

const (
	// RoleAdmin may change balances and re-drive charges
	RoleAdmin Role = "admin"

	// RoleViewer may only read admin endpoints
	RoleViewer Role = "viewer"
)

func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission reports whether r satisfies required. Admin satisfies
// every role.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// AnyHasPermission reports whether any of granted satisfies any of
// required. An empty required list is always satisfied.
func AnyHasPermission(granted []string, required ...Role) bool {
	if len(required) == 0 {
		return true
	}
	for _, g := range granted {
		role := Role(g)
		if !role.IsValid() {
			continue
		}
		for _, req := range required {
			if role.HasPermission(req) {
				return true
			}
		}
	}
	return false
}
