package authz

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/vigil-grc/vigil/internal/platform/apiclient"
	"github.com/vigil-grc/vigil/internal/shared"
)

// Snapshot is one server-computed permission resolution for a
// user+tenant pair. Matrix values are canonical booleans: all
// string/boolean coercion happens at the wire boundary, never at
// evaluation time.
type Snapshot struct {
	Roles  []Role
	Matrix PermissionMatrix
}

// Fetcher resolves a user+tenant pair to its permission snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, userID, tenantID string) (Snapshot, error)
}

// HTTPFetcher fetches snapshots from the platform permissions endpoint.
type HTTPFetcher struct {
	client *apiclient.Client
	path   string
}

// NewHTTPFetcher constructs a fetcher over the given API client.
func NewHTTPFetcher(client *apiclient.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client, path: "/api/permissions"}
}

// HTTPFetcherFactory builds identity-scoped fetchers for the evaluator
// registry. Each fetcher authenticates with that identity's bearer
// token: the permissions endpoint sits behind the session gate, so an
// unauthenticated client would be rejected before it could load
// anything.
func HTTPFetcherFactory(baseURL string) func(shared.Identity) Fetcher {
	return func(id shared.Identity) Fetcher {
		client := apiclient.NewClient(baseURL, func() string { return id.Token })
		return NewHTTPFetcher(client)
	}
}

// looseBool accepts bool true, "true" and "True" (any casing) as true;
// every other JSON value, including numbers and malformed fragments,
// decodes to false.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		*b = false
		return nil
	}
	switch val := v.(type) {
	case bool:
		*b = looseBool(val)
	case string:
		*b = looseBool(strings.ToLower(val) == "true")
	default:
		*b = false
	}
	return nil
}

type permissionRow struct {
	ModuleName    string    `json:"module_name"`
	CanCreate     looseBool `json:"can_create"`
	CanRetrieve   looseBool `json:"can_retrieve"`
	CanUpdate     looseBool `json:"can_update"`
	CanDelete     looseBool `json:"can_delete"`
	CanComment    looseBool `json:"can_comment"`
	CanCreateTask looseBool `json:"can_create_task"`
}

// roleRecord covers every shape role assignments arrive in: a flat
// record, a join wrapper holding one role object, or a wrapper holding
// an array of one.
type roleRecord struct {
	RoleID       string          `json:"role_id"`
	RoleName     string          `json:"role_name"`
	TenantID     string          `json:"tenant_id"`
	IsSystemRole bool            `json:"is_system_role"`
	IsActive     bool            `json:"is_active"`
	Roles        json.RawMessage `json:"roles"`
}

type permissionsResponse struct {
	UserRoles   []roleRecord    `json:"user_roles"`
	Permissions []permissionRow `json:"permissions"`
}

// Fetch resolves the snapshot. An empty tenantID falls back to
// DefaultTenantID. A "not found" failure is soft: zero role assignments
// is a valid state, so it yields an empty snapshot instead of an error.
// Every other failure propagates; the caller must not cache anything on
// that path.
func (f *HTTPFetcher) Fetch(ctx context.Context, userID, tenantID string) (Snapshot, error) {
	if tenantID == "" {
		tenantID = DefaultTenantID
	}

	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("tenant_id", tenantID)

	var resp permissionsResponse
	if err := f.client.Get(ctx, f.path, query, &resp); err != nil {
		if apiclient.IsNotFound(err) {
			return emptySnapshot(), nil
		}
		return Snapshot{}, err
	}

	return Snapshot{
		Roles:  normalizeRoles(resp.UserRoles),
		Matrix: buildMatrix(resp.Permissions),
	}, nil
}

func emptySnapshot() Snapshot {
	return Snapshot{Roles: []Role{}, Matrix: PermissionMatrix{}}
}

func buildMatrix(rows []permissionRow) PermissionMatrix {
	matrix := make(PermissionMatrix, len(rows))
	for _, row := range rows {
		key := NormalizeModule(row.ModuleName)
		if key == "" {
			continue
		}
		matrix[key] = ActionSet{
			ActionCreate:     bool(row.CanCreate),
			ActionRetrieve:   bool(row.CanRetrieve),
			ActionUpdate:     bool(row.CanUpdate),
			ActionDelete:     bool(row.CanDelete),
			ActionComment:    bool(row.CanComment),
			ActionCreateTask: bool(row.CanCreateTask),
		}
	}
	return matrix
}

func normalizeRoles(records []roleRecord) []Role {
	roles := make([]Role, 0, len(records))
	for _, rec := range records {
		if role, ok := extractRole(rec); ok {
			roles = append(roles, role)
		}
	}
	return roles
}

// extractRole tries the known role shapes in order: flat field, join
// wrapper object, array-of-one. Anything else reports not found.
func extractRole(rec roleRecord) (Role, bool) {
	if rec.RoleName != "" {
		return Role{
			ID:           rec.RoleID,
			Name:         rec.RoleName,
			TenantID:     rec.TenantID,
			IsSystemRole: rec.IsSystemRole,
			IsActive:     rec.IsActive,
		}, true
	}
	if len(rec.Roles) == 0 {
		return Role{}, false
	}

	var wrapped Role
	if err := json.Unmarshal(rec.Roles, &wrapped); err == nil && wrapped.Name != "" {
		return wrapped, true
	}

	var list []Role
	if err := json.Unmarshal(rec.Roles, &list); err == nil && len(list) > 0 && list[0].Name != "" {
		return list[0], true
	}

	return Role{}, false
}
