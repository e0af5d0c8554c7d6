package rbac

import "time"

// Role is a named bundle of permissions managed by administrators.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`

	// rejected holds stored permission strings outside the vocabulary.
	rejected []string
}

// Rejected returns the stored permission strings that were dropped on load.
func (r Role) Rejected() []string {
	return r.rejected
}

// RoleAssignment links one user to one role.
type RoleAssignment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleInput carries the editable role attributes.
type RoleInput struct {
	Name        string   `json:"name" validate:"required,max=64"`
	Description string   `json:"description" validate:"max=512"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}
