package models

// Principal is the resolved identity for a request, derived from a verified
// token plus the users-microservice lookup. Principals are cached with the
// engine cache TTL; they are never a source of truth.
type Principal struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Groups      []string `json:"groups"`
	Permissions []string `json:"permissions"`
	MFAEnrolled bool     `json:"mfa_enrolled"`
}

// InGroup reports whether the principal belongs to the given group.
func (p *Principal) InGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds the given permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, v := range p.Permissions {
		if v == perm {
			return true
		}
	}
	return false
}
