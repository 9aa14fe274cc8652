package auth

import "time"

// User is an operator account on the console. Only active users may
// authenticate or be authorized; deactivation flips IsActive and clears
// LastLoginAt, it never deletes the row.
type User struct {
	ID                 int64      `json:"id"`
	Email              string     `json:"email"`
	Username           string     `json:"username"`
	FullName           string     `json:"full_name,omitempty"`
	PasswordHash       string     `json:"-"`
	IsActive           bool       `json:"is_active"`
	MustChangePassword bool       `json:"must_change_password"`
	PasswordExpiresAt  *time.Time `json:"password_expires_at,omitempty"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Role groups permissions. System roles are managed through seeds only and
// are never assignable or removable via the lifecycle API.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a capability named resource.action, e.g. "user.read".
// A role holding "resource.*" satisfies every check for that resource.
type Permission struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// UserRole links a user to a role and records who granted it.
type UserRole struct {
	UserID     int64     `json:"user_id"`
	RoleID     int64     `json:"role_id"`
	AssignedBy int64     `json:"assigned_by"`
	CreatedAt  time.Time `json:"created_at"`
}
