package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/platform/httpx"
)

type fakeRepo struct {
	roles       map[string]Role
	assignments []UserRole
	permissions map[string][]ModulePermission

	upserted []ModulePermission
	replaced []ModulePermission
	assigned []UserRole
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		roles:       map[string]Role{},
		permissions: map[string][]ModulePermission{},
	}
}

func (f *fakeRepo) ListRoles(_ context.Context, tenantID string) ([]Role, error) {
	var out []Role
	for _, role := range f.roles {
		if role.TenantID == tenantID && role.IsActive {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetRole(_ context.Context, id, tenantID string) (Role, error) {
	role, ok := f.roles[id]
	if !ok || role.TenantID != tenantID {
		return Role{}, httpx.ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) GetRoleAnyTenant(_ context.Context, id string) (Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return Role{}, httpx.ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) CreateRole(_ context.Context, role Role) (Role, error) {
	role.ID = "r-new"
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRepo) UpdateRole(_ context.Context, role Role) (Role, error) {
	if _, ok := f.roles[role.ID]; !ok {
		return Role{}, httpx.ErrNotFound
	}
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRepo) UserRoles(_ context.Context, userID, tenantID string) ([]UserRole, error) {
	var out []UserRole
	for _, a := range f.assignments {
		if a.UserID == userID && a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) UserRolesAnyTenant(_ context.Context, userID string) ([]UserRole, error) {
	var out []UserRole
	for _, a := range f.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) RoleMembers(_ context.Context, roleID string) ([]UserRole, error) {
	var out []UserRole
	for _, a := range f.assignments {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRepo) AssignRole(_ context.Context, a UserRole) error {
	f.assigned = append(f.assigned, a)
	f.assignments = append(f.assignments, a)
	return nil
}

func (f *fakeRepo) RemoveRole(_ context.Context, userID, roleID, tenantID string) error {
	for i, a := range f.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.TenantID == tenantID {
			f.assignments = append(f.assignments[:i], f.assignments[i+1:]...)
			return nil
		}
	}
	return httpx.ErrNotFound
}

func (f *fakeRepo) RolePermissions(_ context.Context, roleID, _ string) ([]ModulePermission, error) {
	return f.permissions[roleID], nil
}

func (f *fakeRepo) UpsertModulePermission(_ context.Context, p ModulePermission) error {
	f.upserted = append(f.upserted, p)
	return nil
}

func (f *fakeRepo) ReplaceRolePermissions(_ context.Context, roleID, tenantID string, perms []ModulePermission) error {
	f.replaced = append([]ModulePermission(nil), perms...)
	f.permissions[roleID] = f.replaced
	return nil
}

type fakeInvalidator struct {
	invalidated [][2]string
}

func (f *fakeInvalidator) InvalidateUser(_ context.Context, userID, tenantID string) {
	f.invalidated = append(f.invalidated, [2]string{userID, tenantID})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func grants(actions ...authz.Action) authz.ActionSet {
	set := authz.ActionSet{}
	for _, a := range actions {
		set[a] = true
	}
	return set
}

func TestPermissionsForUserMergesRoles(t *testing.T) {
	repo := newFakeRepo()
	tenant := authz.DefaultTenantID
	repo.roles["r-analyst"] = Role{ID: "r-analyst", TenantID: tenant, Name: "Analyst", IsActive: true}
	repo.roles["r-auditor"] = Role{ID: "r-auditor", TenantID: tenant, Name: "Auditor", IsActive: true}
	repo.assignments = []UserRole{
		{ID: "a1", UserID: "u1", RoleID: "r-analyst", TenantID: tenant},
		{ID: "a2", UserID: "u1", RoleID: "r-auditor", TenantID: tenant},
	}
	repo.permissions["r-analyst"] = []ModulePermission{
		{RoleID: "r-analyst", Module: "tasks", Actions: grants(authz.ActionCreate, authz.ActionRetrieve)},
	}
	repo.permissions["r-auditor"] = []ModulePermission{
		{RoleID: "r-auditor", Module: "tasks", Actions: grants(authz.ActionComment)},
		{RoleID: "r-auditor", Module: "audits", Actions: grants(authz.ActionRetrieve)},
	}

	svc := NewService(repo, nil, nil, discardLogger())
	resolved, err := svc.PermissionsForUser(context.Background(), "u1", tenant)
	require.NoError(t, err)

	require.Len(t, resolved.Roles, 2)
	require.Len(t, resolved.Permissions, 2)

	byModule := map[string]ModulePermission{}
	for _, p := range resolved.Permissions {
		byModule[p.Module] = p
	}
	tasks := byModule["tasks"]
	assert.True(t, tasks.Actions[authz.ActionCreate])
	assert.True(t, tasks.Actions[authz.ActionRetrieve])
	assert.True(t, tasks.Actions[authz.ActionComment])
	assert.False(t, tasks.Actions[authz.ActionDelete])
	assert.True(t, byModule["audits"].Actions[authz.ActionRetrieve])
}

func TestPermissionsForUserTenantFallback(t *testing.T) {
	repo := newFakeRepo()
	repo.roles["r1"] = Role{ID: "r1", TenantID: "t-legacy", Name: "Analyst", IsActive: true}
	repo.assignments = []UserRole{
		{ID: "a1", UserID: "u1", RoleID: "r1", TenantID: "t-legacy"},
	}
	repo.permissions["r1"] = []ModulePermission{
		{RoleID: "r1", Module: "bugs", Actions: grants(authz.ActionRetrieve)},
	}

	svc := NewService(repo, nil, nil, discardLogger())
	resolved, err := svc.PermissionsForUser(context.Background(), "u1", authz.DefaultTenantID)
	require.NoError(t, err)
	require.Len(t, resolved.Roles, 1)
	assert.Equal(t, "Analyst", resolved.Roles[0].Name)
}

func TestPermissionsForUserSkipsDanglingAssignment(t *testing.T) {
	repo := newFakeRepo()
	tenant := authz.DefaultTenantID
	repo.roles["r1"] = Role{ID: "r1", TenantID: tenant, Name: "Analyst", IsActive: true}
	repo.assignments = []UserRole{
		{ID: "a1", UserID: "u1", RoleID: "r1", TenantID: tenant},
		{ID: "a2", UserID: "u1", RoleID: "r-deleted", TenantID: tenant},
	}

	svc := NewService(repo, nil, nil, discardLogger())
	resolved, err := svc.PermissionsForUser(context.Background(), "u1", tenant)
	require.NoError(t, err)
	assert.Len(t, resolved.UserRoles, 2)
	assert.Len(t, resolved.Roles, 1)
}

func TestPermissionsForUserNoAssignments(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil, discardLogger())
	resolved, err := svc.PermissionsForUser(context.Background(), "u-nobody", "")
	require.NoError(t, err)
	assert.Empty(t, resolved.UserRoles)
	assert.Empty(t, resolved.Roles)
	assert.NotNil(t, resolved.Permissions)
	assert.Empty(t, resolved.Permissions)
}

func TestCreateRoleRequiresName(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil, discardLogger())
	_, err := svc.CreateRole(context.Background(), authz.DefaultTenantID, "   ", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpx.ErrValidation))
}

func TestUpdateModulePermissionsRejectsUnknownModule(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil, discardLogger())

	err := svc.UpdateModulePermissions(context.Background(), "r1", "", "payroll", grants(authz.ActionCreate))
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpx.ErrValidation))
	assert.Empty(t, repo.upserted)

	err = svc.UpdateModulePermissions(context.Background(), "r1", "", "Security Controls", grants(authz.ActionCreate))
	require.NoError(t, err)
	require.Len(t, repo.upserted, 1)
	assert.Equal(t, "security_controls", repo.upserted[0].Module)
	assert.Equal(t, authz.DefaultTenantID, repo.upserted[0].TenantID)
}

func TestReplaceRolePermissions(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil, discardLogger())

	err := svc.ReplaceRolePermissions(context.Background(), "r1", "", []ModulePermission{
		{Module: "Tasks", Actions: grants(authz.ActionRetrieve)},
		{Module: "payroll", Actions: grants(authz.ActionCreate)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, httpx.ErrValidation))
	assert.Empty(t, repo.replaced)

	err = svc.ReplaceRolePermissions(context.Background(), "r1", "", []ModulePermission{
		{Module: "Tasks", Actions: grants(authz.ActionRetrieve)},
		{Module: "bugs", Actions: grants(authz.ActionCreate, authz.ActionComment)},
	})
	require.NoError(t, err)
	require.Len(t, repo.replaced, 2)
	assert.Equal(t, "tasks", repo.replaced[0].Module)
	assert.Equal(t, "bugs", repo.replaced[1].Module)
}

func TestMatrixMutationsInvalidateCaches(t *testing.T) {
	// Stale cached grants must not outlive a matrix change: every
	// mutation purges the cache slots of the users it affects.
	repo := newFakeRepo()
	tenant := authz.DefaultTenantID
	repo.assignments = []UserRole{
		{ID: "a1", UserID: "u1", RoleID: "r1", TenantID: tenant},
		{ID: "a2", UserID: "u2", RoleID: "r1", TenantID: ""},
		{ID: "a3", UserID: "u3", RoleID: "r2", TenantID: tenant},
	}
	inv := &fakeInvalidator{}
	svc := NewService(repo, nil, inv, discardLogger())

	err := svc.UpdateModulePermissions(context.Background(), "r1", tenant, "tasks", grants(authz.ActionRetrieve))
	require.NoError(t, err)
	// Pre-backfill assignments carry no tenant and fall back to the
	// request tenant.
	assert.ElementsMatch(t, [][2]string{{"u1", tenant}, {"u2", tenant}}, inv.invalidated)

	inv.invalidated = nil
	err = svc.ReplaceRolePermissions(context.Background(), "r1", tenant, []ModulePermission{
		{Module: "tasks", Actions: grants(authz.ActionRetrieve)},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, [][2]string{{"u1", tenant}, {"u2", tenant}}, inv.invalidated)

	inv.invalidated = nil
	require.NoError(t, svc.AssignRole(context.Background(), "u4", "r2", tenant, "admin"))
	assert.Equal(t, [][2]string{{"u4", tenant}}, inv.invalidated)

	inv.invalidated = nil
	require.NoError(t, svc.RemoveRole(context.Background(), "u3", "r2", tenant))
	assert.Equal(t, [][2]string{{"u3", tenant}}, inv.invalidated)
}

func TestAssignRoleIdempotent(t *testing.T) {
	repo := newFakeRepo()
	tenant := authz.DefaultTenantID
	repo.assignments = []UserRole{
		{ID: "a1", UserID: "u1", RoleID: "r1", TenantID: tenant},
	}

	svc := NewService(repo, nil, nil, discardLogger())
	require.NoError(t, svc.AssignRole(context.Background(), "u1", "r1", tenant, "admin"))
	assert.Empty(t, repo.assigned)

	require.NoError(t, svc.AssignRole(context.Background(), "u1", "r2", tenant, "admin"))
	require.Len(t, repo.assigned, 1)
	assert.Equal(t, "r2", repo.assigned[0].RoleID)
}
