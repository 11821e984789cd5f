package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-grc/vigil/internal/authz"
	jobmetrics "github.com/vigil-grc/vigil/internal/jobs"
	"github.com/vigil-grc/vigil/internal/rbac"
	"github.com/vigil-grc/vigil/internal/shared"
	"github.com/vigil-grc/vigil/internal/users"
	_ "github.com/vigil-grc/vigil/testing"
)

type fakeUserRepo struct {
	identities [][2]string
}

func (f *fakeUserRepo) ListUsers(context.Context, string, int, int) ([]users.User, int, error) {
	return nil, 0, nil
}

func (f *fakeUserRepo) ListActiveIdentities(context.Context) ([][2]string, error) {
	return f.identities, nil
}

type fakeRBACRepo struct {
	roles       map[string]rbac.Role
	assignments []rbac.UserRole
	permissions map[string][]rbac.ModulePermission
}

func (f *fakeRBACRepo) ListRoles(context.Context, string) ([]rbac.Role, error) { return nil, nil }

func (f *fakeRBACRepo) GetRole(_ context.Context, id, _ string) (rbac.Role, error) {
	return f.roles[id], nil
}

func (f *fakeRBACRepo) GetRoleAnyTenant(_ context.Context, id string) (rbac.Role, error) {
	return f.roles[id], nil
}

func (f *fakeRBACRepo) CreateRole(_ context.Context, role rbac.Role) (rbac.Role, error) {
	return role, nil
}

func (f *fakeRBACRepo) UpdateRole(_ context.Context, role rbac.Role) (rbac.Role, error) {
	return role, nil
}

func (f *fakeRBACRepo) UserRoles(_ context.Context, userID, tenantID string) ([]rbac.UserRole, error) {
	var out []rbac.UserRole
	for _, a := range f.assignments {
		if a.UserID == userID && a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRBACRepo) UserRolesAnyTenant(_ context.Context, userID string) ([]rbac.UserRole, error) {
	var out []rbac.UserRole
	for _, a := range f.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRBACRepo) RoleMembers(_ context.Context, roleID string) ([]rbac.UserRole, error) {
	var out []rbac.UserRole
	for _, a := range f.assignments {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeRBACRepo) AssignRole(context.Context, rbac.UserRole) error { return nil }

func (f *fakeRBACRepo) RemoveRole(context.Context, string, string, string) error { return nil }

func (f *fakeRBACRepo) RolePermissions(_ context.Context, roleID, _ string) ([]rbac.ModulePermission, error) {
	return f.permissions[roleID], nil
}

func (f *fakeRBACRepo) UpsertModulePermission(context.Context, rbac.ModulePermission) error {
	return nil
}

func (f *fakeRBACRepo) ReplaceRolePermissions(context.Context, string, string, []rbac.ModulePermission) error {
	return nil
}

func TestPermissionsWarmupPopulatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tenant := authz.DefaultTenantID

	rbacRepo := &fakeRBACRepo{
		roles: map[string]rbac.Role{
			"r1": {ID: "r1", TenantID: tenant, Name: "Analyst", IsActive: true},
		},
		assignments: []rbac.UserRole{
			{ID: "a1", UserID: "u1", RoleID: "r1", TenantID: tenant},
		},
		permissions: map[string][]rbac.ModulePermission{
			"r1": {{
				RoleID:  "r1",
				Module:  "tasks",
				Actions: authz.ActionSet{authz.ActionRetrieve: true, authz.ActionComment: true},
			}},
		},
	}

	newStore := authz.StoreFactory(client, logger)
	warmer := NewPermissionsWarmer(
		users.NewService(&fakeUserRepo{identities: [][2]string{{"u1", tenant}}}),
		rbac.NewService(rbacRepo, nil, nil, logger),
		newStore,
		logger,
		jobmetrics.NewMetrics(prometheus.NewRegistry()),
	)

	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{})
	require.NoError(t, err)
	require.NoError(t, warmer.HandleTask(context.Background(), task))

	entry, ok := newStore(shared.Identity{UserID: "u1", TenantID: tenant}).Load(context.Background())
	require.True(t, ok)
	assert.True(t, entry.Matrix.Allows("tasks", "retrieve"))
	assert.False(t, entry.Matrix.Allows("tasks", "delete"))
	require.Len(t, entry.Roles, 1)
	assert.Equal(t, "Analyst", entry.Roles[0].Name)
}

func TestPermissionsWarmupSingleUserPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tenant := authz.DefaultTenantID

	rbacRepo := &fakeRBACRepo{
		roles:       map[string]rbac.Role{},
		permissions: map[string][]rbac.ModulePermission{},
	}
	newStore := authz.StoreFactory(client, logger)
	warmer := NewPermissionsWarmer(
		users.NewService(&fakeUserRepo{}),
		rbac.NewService(rbacRepo, nil, nil, logger),
		newStore,
		logger,
		jobmetrics.NewMetrics(prometheus.NewRegistry()),
	)

	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{UserID: "u9"})
	require.NoError(t, err)
	require.NoError(t, warmer.HandleTask(context.Background(), task))

	// A user with no assignments warms to an empty grant set that
	// still counts as cached.
	entry, ok := newStore(shared.Identity{UserID: "u9", TenantID: tenant}).Load(context.Background())
	require.True(t, ok)
	assert.False(t, entry.Matrix.Allows("tasks", "retrieve"))
}

func TestPermissionsWarmupRejectsGarbagePayload(t *testing.T) {
	warmer := NewPermissionsWarmer(nil, nil, nil, nil, nil)
	task := asynq.NewTask(TaskTypePermissionsWarmup, []byte("{not json"))
	err := warmer.HandleTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPermissionsWarmupPayloadRoundTrip(t *testing.T) {
	task, err := NewPermissionsWarmupTask(PermissionsWarmupPayload{UserID: "u1", TenantID: "t1"})
	require.NoError(t, err)
	var decoded PermissionsWarmupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, "t1", decoded.TenantID)
}
