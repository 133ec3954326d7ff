package models

import "time"

// User is a registered owner of sessions, mappings and rules. Deleting a
// user cascades over everything it owns; workers are global and survive.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Tier      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateUserRequest contains fields for registering a new user
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Tier   `json:"role,omitempty"`
}

// UpdateUserRequest contains the mutable user fields; nil means unchanged
type UpdateUserRequest struct {
	Email  *string `json:"email,omitempty"`
	Role   *Tier   `json:"role,omitempty"`
	Active *bool   `json:"active,omitempty"`
}
