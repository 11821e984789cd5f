package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/platform/httpx"
	"github.com/vigil-grc/vigil/internal/shared"
)

// CacheInvalidator purges a user's cached permission snapshot so a
// matrix change takes effect without waiting out the cache TTL.
type CacheInvalidator interface {
	InvalidateUser(ctx context.Context, userID, tenantID string)
}

// Service orchestrates matrix reads and writes.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewService constructs a Service. audit and cache may be nil, in
// which case changes are not audited and caches ride out their TTL.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, cache CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger}
}

// recordAudit writes an audit trail entry. Audit failures are logged
// and swallowed so they never roll back the change itself.
func (s *Service) recordAudit(ctx context.Context, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	identity := shared.IdentityFromContext(ctx)
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  identity.UserID,
		TenantID: identity.TenantID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// invalidateUser purges one user's cached snapshot.
func (s *Service) invalidateUser(ctx context.Context, userID, tenantID string) {
	if s.cache == nil {
		return
	}
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}
	s.cache.InvalidateUser(ctx, userID, tenantID)
}

// invalidateRoleMembers purges the cached snapshots of every user
// holding a role. Lookup failures are logged and swallowed since the
// change itself has already committed.
func (s *Service) invalidateRoleMembers(ctx context.Context, roleID, tenantID string) {
	if s.cache == nil {
		return
	}
	members, err := s.repo.RoleMembers(ctx, roleID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("role member lookup for invalidation failed",
				slog.String("role_id", roleID), slog.Any("error", err))
		}
		return
	}
	for _, member := range members {
		memberTenant := member.TenantID
		if memberTenant == "" {
			memberTenant = tenantID
		}
		s.invalidateUser(ctx, member.UserID, memberTenant)
	}
}

// PermissionsForUser resolves the roles and merged matrix rows for a
// user+tenant pair. Assignments recorded without a tenant are picked up
// through a tenant-less fallback query, and the same fallback applies
// to each role lookup, so pre-backfill data still resolves. A user with
// zero assignments is a valid result, not an error.
func (s *Service) PermissionsForUser(ctx context.Context, userID, tenantID string) (UserPermissions, error) {
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}

	assignments, err := s.repo.UserRoles(ctx, userID, tenantID)
	if err != nil {
		return UserPermissions{}, fmt.Errorf("rbac: user roles: %w", err)
	}
	if len(assignments) == 0 {
		assignments, err = s.repo.UserRolesAnyTenant(ctx, userID)
		if err != nil {
			return UserPermissions{}, fmt.Errorf("rbac: user roles fallback: %w", err)
		}
	}

	result := UserPermissions{
		UserRoles:   assignments,
		Roles:       []Role{},
		Permissions: []ModulePermission{},
	}

	merged := make(map[string]ModulePermission)
	for _, assignment := range assignments {
		role, err := s.lookupRole(ctx, assignment.RoleID, tenantID)
		if err != nil {
			// A dangling assignment must not sink the whole resolution.
			if s.logger != nil {
				s.logger.Warn("role lookup failed",
					slog.String("role_id", assignment.RoleID),
					slog.Any("error", err))
			}
			continue
		}
		result.Roles = append(result.Roles, role)

		perms, err := s.repo.RolePermissions(ctx, role.ID, tenantID)
		if err != nil {
			return UserPermissions{}, fmt.Errorf("rbac: role permissions: %w", err)
		}
		for _, perm := range perms {
			mergeModulePermission(merged, perm)
		}
	}

	for _, module := range authz.Modules() {
		if perm, ok := merged[string(module)]; ok {
			result.Permissions = append(result.Permissions, perm)
		}
	}
	return result, nil
}

// lookupRole resolves a role tenant-scoped first, then without tenant.
func (s *Service) lookupRole(ctx context.Context, roleID, tenantID string) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID, tenantID)
	if err == nil {
		return role, nil
	}
	return s.repo.GetRoleAnyTenant(ctx, roleID)
}

// mergeModulePermission ORs grants across roles: any role granting an
// action grants it for the user.
func mergeModulePermission(merged map[string]ModulePermission, perm ModulePermission) {
	key := authz.NormalizeModule(perm.Module)
	existing, ok := merged[key]
	if !ok {
		perm.Module = key
		perm.Actions = perm.Actions.Clone()
		merged[key] = perm
		return
	}
	for _, action := range authz.Actions() {
		if perm.Actions[action] {
			existing.Actions[action] = true
		}
	}
	merged[key] = existing
}

// ListRoles returns the active roles for a tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	return s.repo.ListRoles(ctx, tenantID)
}

// GetRole fetches one role.
func (s *Service) GetRole(ctx context.Context, id, tenantID string) (Role, error) {
	return s.repo.GetRole(ctx, id, tenantID)
}

// CreateRole inserts a new custom role.
func (s *Service) CreateRole(ctx context.Context, tenantID, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	role, err := s.repo.CreateRole(ctx, Role{
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsActive:    true,
	})
	if err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, "role.create", "role", role.ID, map[string]any{"role_name": role.Name})
	return role, nil
}

// UpdateRole updates an existing role.
func (s *Service) UpdateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	updated, err := s.repo.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, "role.update", "role", updated.ID, map[string]any{
		"role_name": updated.Name,
		"is_active": updated.IsActive,
	})
	return updated, nil
}

// RolePermissions returns the matrix rows for one role.
func (s *Service) RolePermissions(ctx context.Context, roleID, tenantID string) ([]ModulePermission, error) {
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}
	return s.repo.RolePermissions(ctx, roleID, tenantID)
}

// UpdateModulePermissions replaces one module's action grants for a
// role. The module must belong to the closed set.
func (s *Service) UpdateModulePermissions(ctx context.Context, roleID, tenantID, module string, actions authz.ActionSet) error {
	if !authz.KnownModule(module) {
		return fmt.Errorf("%w: unknown module %q", httpx.ErrValidation, module)
	}
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}
	normalized := authz.NormalizeModule(module)
	err := s.repo.UpsertModulePermission(ctx, ModulePermission{
		RoleID:   roleID,
		TenantID: tenantID,
		Module:   normalized,
		Actions:  actions,
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "permissions.update", "role", roleID, map[string]any{"module": normalized})
	s.invalidateRoleMembers(ctx, roleID, tenantID)
	return nil
}

// ReplaceRolePermissions swaps the whole matrix for a role atomically.
// Every module must belong to the closed set.
func (s *Service) ReplaceRolePermissions(ctx context.Context, roleID, tenantID string, perms []ModulePermission) error {
	if tenantID == "" {
		tenantID = authz.DefaultTenantID
	}
	for i := range perms {
		if !authz.KnownModule(perms[i].Module) {
			return fmt.Errorf("%w: unknown module %q", httpx.ErrValidation, perms[i].Module)
		}
		perms[i].Module = authz.NormalizeModule(perms[i].Module)
	}
	if err := s.repo.ReplaceRolePermissions(ctx, roleID, tenantID, perms); err != nil {
		return err
	}
	s.recordAudit(ctx, "permissions.replace", "role", roleID, map[string]any{"modules": len(perms)})
	s.invalidateRoleMembers(ctx, roleID, tenantID)
	return nil
}

// AssignRole links a user to a role. Assigning an already-held role is
// a no-op success.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, tenantID, assignedBy string) error {
	existing, err := s.repo.UserRoles(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.RoleID == roleID {
			return nil
		}
	}
	err = s.repo.AssignRole(ctx, UserRole{
		UserID:     userID,
		RoleID:     roleID,
		TenantID:   tenantID,
		AssignedBy: assignedBy,
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "role.assign", "user", userID, map[string]any{"role_id": roleID})
	s.invalidateUser(ctx, userID, tenantID)
	return nil
}

// RemoveRole unlinks a user from a role.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID, tenantID string) error {
	if err := s.repo.RemoveRole(ctx, userID, roleID, tenantID); err != nil {
		return err
	}
	s.recordAudit(ctx, "role.remove", "user", userID, map[string]any{"role_id": roleID})
	s.invalidateUser(ctx, userID, tenantID)
	return nil
}
