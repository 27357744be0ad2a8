package authz

// Mode selects how requests are authenticated.
type Mode string

const (
	// ModeHeader trusts proxy-set headers (dev only).
	ModeHeader Mode = "header"
	// ModeJWT verifies bearer tokens.
	ModeJWT Mode = "jwt"
)

// DefaultAdminRole is the role value that grants administrative actions.
const DefaultAdminRole = "admin"
