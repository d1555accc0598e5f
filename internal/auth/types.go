package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserDisabled       = errors.New("user account is disabled")
)

// Identity is the authenticated caller attached to a request
type Identity struct {
	Username string
	Group    string
}

// IsAdmin reports whether the identity belongs to the admin group
func (id *Identity) IsAdmin() bool {
	return id.Group == "admins"
}
