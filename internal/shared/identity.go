package shared

// Identity is the authenticated principal bound to one session.
// It is created at login, immutable while the session lives, and
// destroyed at logout.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Token    string `json:"-"`
}

// Valid reports whether the identity carries enough to act on.
func (id Identity) Valid() bool {
	return id.UserID != "" && id.Token != ""
}
