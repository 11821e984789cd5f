package rbac

import (
	"context"
)

// RepositoryPort defines data access methods for the permission matrix.
type RepositoryPort interface {
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	GetRole(ctx context.Context, id, tenantID string) (Role, error)
	GetRoleAnyTenant(ctx context.Context, id string) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)

	UserRoles(ctx context.Context, userID, tenantID string) ([]UserRole, error)
	UserRolesAnyTenant(ctx context.Context, userID string) ([]UserRole, error)
	RoleMembers(ctx context.Context, roleID string) ([]UserRole, error)
	AssignRole(ctx context.Context, assignment UserRole) error
	RemoveRole(ctx context.Context, userID, roleID, tenantID string) error

	RolePermissions(ctx context.Context, roleID, tenantID string) ([]ModulePermission, error)
	UpsertModulePermission(ctx context.Context, perm ModulePermission) error
	ReplaceRolePermissions(ctx context.Context, roleID, tenantID string, perms []ModulePermission) error
}
