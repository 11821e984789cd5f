package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/platform/db"
	"github.com/vigil-grc/vigil/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for the matrix.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, tenant_id, role_name, COALESCE(role_description, ''), is_system_role, is_active, created_at, updated_at`

// ListRoles returns the active roles for a tenant ordered by name.
func (r *Repository) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE tenant_id = $1 AND is_active ORDER BY role_name`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// GetRole fetches one role scoped to a tenant.
func (r *Repository) GetRole(ctx context.Context, id, tenantID string) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanRole(row)
}

// GetRoleAnyTenant fetches a role by id alone. Used as the fallback
// lookup when the tenant-scoped query finds nothing.
func (r *Repository) GetRoleAnyTenant(ctx context.Context, id string) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`,
		id)
	return scanRole(row)
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO roles (id, tenant_id, role_name, role_description, is_system_role, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+roleColumns,
		role.ID, role.TenantID, role.Name, role.Description, role.IsSystemRole, role.IsActive)
	created, err := scanRole(row)
	if err != nil {
		return Role{}, wrapConstraint(err)
	}
	return created, nil
}

// UpdateRole updates name, description and active flag.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE roles SET role_name = $3, role_description = $4, is_active = $5, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+roleColumns,
		role.ID, role.TenantID, role.Name, role.Description, role.IsActive)
	updated, err := scanRole(row)
	if err != nil {
		return Role{}, wrapConstraint(err)
	}
	return updated, nil
}

const userRoleColumns = `id, user_id, role_id, tenant_id, COALESCE(assigned_by, ''), created_at`

// UserRoles returns the assignments for a user within a tenant.
func (r *Repository) UserRoles(ctx context.Context, userID, tenantID string) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userRoleColumns+` FROM user_roles WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRoles(rows)
}

// UserRolesAnyTenant returns the assignments for a user ignoring
// tenant. Fallback path for assignments recorded before tenant
// backfill.
func (r *Repository) UserRolesAnyTenant(ctx context.Context, userID string) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userRoleColumns+` FROM user_roles WHERE user_id = $1`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRoles(rows)
}

// RoleMembers returns every assignment referencing a role, across
// tenants so pre-backfill rows are reached too.
func (r *Repository) RoleMembers(ctx context.Context, roleID string) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userRoleColumns+` FROM user_roles WHERE role_id = $1`,
		roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserRoles(rows)
}

// AssignRole records a user-role assignment.
func (r *Repository) AssignRole(ctx context.Context, a UserRole) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (id, user_id, role_id, tenant_id, assigned_by)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		a.ID, a.UserID, a.RoleID, a.TenantID, a.AssignedBy)
	return wrapConstraint(err)
}

// RemoveRole deletes an assignment. Returns httpx.ErrNotFound when
// nothing matched.
func (r *Repository) RemoveRole(ctx context.Context, userID, roleID, tenantID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3`,
		userID, roleID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// RolePermissions returns the matrix rows for a role.
func (r *Repository) RolePermissions(ctx context.Context, roleID, tenantID string) ([]ModulePermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, role_id, tenant_id, module_name,
		        can_create, can_retrieve, can_update, can_delete, can_comment, can_create_task,
		        updated_at
		 FROM permissions WHERE role_id = $1 AND tenant_id = $2`,
		roleID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []ModulePermission
	for rows.Next() {
		var p ModulePermission
		var create, retrieve, update, del, comment, createTask bool
		if err := rows.Scan(&p.ID, &p.RoleID, &p.TenantID, &p.Module,
			&create, &retrieve, &update, &del, &comment, &createTask,
			&p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Actions = authz.ActionSet{
			authz.ActionCreate:     create,
			authz.ActionRetrieve:   retrieve,
			authz.ActionUpdate:     update,
			authz.ActionDelete:     del,
			authz.ActionComment:    comment,
			authz.ActionCreateTask: createTask,
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// UpsertModulePermission replaces one module's action grants for a
// role, creating the row when missing.
func (r *Repository) UpsertModulePermission(ctx context.Context, p ModulePermission) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permissions (id, role_id, tenant_id, module_name,
		        can_create, can_retrieve, can_update, can_delete, can_comment, can_create_task, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (role_id, tenant_id, module_name) DO UPDATE SET
		        can_create = EXCLUDED.can_create,
		        can_retrieve = EXCLUDED.can_retrieve,
		        can_update = EXCLUDED.can_update,
		        can_delete = EXCLUDED.can_delete,
		        can_comment = EXCLUDED.can_comment,
		        can_create_task = EXCLUDED.can_create_task,
		        updated_at = now()`,
		p.ID, p.RoleID, p.TenantID, p.Module,
		p.Actions[authz.ActionCreate], p.Actions[authz.ActionRetrieve], p.Actions[authz.ActionUpdate],
		p.Actions[authz.ActionDelete], p.Actions[authz.ActionComment], p.Actions[authz.ActionCreateTask])
	return wrapConstraint(err)
}

// ReplaceRolePermissions swaps the full matrix for a role in one
// transaction: rows absent from perms are removed, the rest upserted.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID, tenantID string, perms []ModulePermission) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		modules := make([]string, 0, len(perms))
		for _, p := range perms {
			modules = append(modules, p.Module)
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM permissions WHERE role_id = $1 AND tenant_id = $2 AND module_name != ALL($3)`,
			roleID, tenantID, modules)
		if err != nil {
			return err
		}
		for _, p := range perms {
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO permissions (id, role_id, tenant_id, module_name,
				        can_create, can_retrieve, can_update, can_delete, can_comment, can_create_task, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
				 ON CONFLICT (role_id, tenant_id, module_name) DO UPDATE SET
				        can_create = EXCLUDED.can_create,
				        can_retrieve = EXCLUDED.can_retrieve,
				        can_update = EXCLUDED.can_update,
				        can_delete = EXCLUDED.can_delete,
				        can_comment = EXCLUDED.can_comment,
				        can_create_task = EXCLUDED.can_create_task,
				        updated_at = now()`,
				p.ID, roleID, tenantID, p.Module,
				p.Actions[authz.ActionCreate], p.Actions[authz.ActionRetrieve], p.Actions[authz.ActionUpdate],
				p.Actions[authz.ActionDelete], p.Actions[authz.ActionComment], p.Actions[authz.ActionCreateTask])
			if err != nil {
				return wrapConstraint(err)
			}
		}
		return nil
	})
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description,
		&role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, httpx.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description,
			&role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func scanUserRoles(rows pgx.Rows) ([]UserRole, error) {
	var assignments []UserRole
	for rows.Next() {
		var a UserRole
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &a.AssignedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// wrapConstraint maps unique violations onto the duplicate sentinel.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", httpx.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
