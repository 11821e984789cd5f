// Package rbac owns the server-side permission matrix: roles,
// user-role assignments, and per-module permission rows, all scoped by
// tenant.
package rbac

import (
	"time"

	"github.com/vigil-grc/vigil/internal/authz"
)

// Role represents a tenant-scoped permission grouping.
type Role struct {
	ID           string
	TenantID     string
	Name         string
	Description  string
	IsSystemRole bool
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserRole links a user to a role within a tenant.
type UserRole struct {
	ID         string
	UserID     string
	RoleID     string
	TenantID   string
	AssignedBy string
	CreatedAt  time.Time
}

// ModulePermission is one row of the matrix: the action grants a role
// holds on a single module.
type ModulePermission struct {
	ID        string
	RoleID    string
	TenantID  string
	Module    string
	Actions   authz.ActionSet
	UpdatedAt time.Time
}

// UserPermissions is the server-computed resolution for one
// user+tenant pair: the raw assignments plus the merged matrix rows
// across every assigned role.
type UserPermissions struct {
	UserRoles   []UserRole
	Roles       []Role
	Permissions []ModulePermission
}
