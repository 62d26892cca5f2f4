package models

import "github.com/google/uuid"

// UserRoleAdmin marks operators allowed to resolve disputes.
const UserRoleAdmin = "admin"

// User is the authenticated identity attached to a request. Accounts and
// profiles live in the identity provider; the server only sees what the
// token carries.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Role     string    `json:"role,omitempty"`
}

// IsAdmin reports whether the identity carries the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}
