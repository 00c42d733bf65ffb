package metadata

// Session is the authenticated caller, set by auth middleware. A nil session
// is an anonymous caller.
type Session struct {
	ID     string         `json:"id"`
	Roles  []string       `json:"roles"`
	Claims map[string]any `json:"claims,omitempty"`
}

// HasRole checks whether the session has a specific role.
func (s *Session) HasRole(role string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Env returns the session as an expression environment value.
func (s *Session) Env() map[string]any {
	if s == nil {
		return nil
	}
	return map[string]any{"id": s.ID, "roles": s.Roles, "claims": s.Claims}
}
